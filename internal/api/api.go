// Package api wires DispatchPipe together and serves its HTTP API.
//
// Run opens the store, builds the recognizer, knowledge base, dialog engine and dispatcher,
// connects the configured chat transport, and serves the conversation endpoints until the
// process receives SIGINT or SIGTERM. Background workers drain the delivery outbox and purge
// expired state for the lifetime of the server.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/delivery"
	"github.com/BTreeMap/DispatchPipe/internal/dispatch"
	"github.com/BTreeMap/DispatchPipe/internal/flow"
	"github.com/BTreeMap/DispatchPipe/internal/genai"
	"github.com/BTreeMap/DispatchPipe/internal/knowledge"
	"github.com/BTreeMap/DispatchPipe/internal/messaging"
	"github.com/BTreeMap/DispatchPipe/internal/recognizer"
	"github.com/BTreeMap/DispatchPipe/internal/scheduler"
	"github.com/BTreeMap/DispatchPipe/internal/store"
	"github.com/BTreeMap/DispatchPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DispatchPipe/internal/whatsapp"
)

// Transport names.
const (
	TransportNone     = "none"
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Recognizer names.
const (
	RecognizerPattern = "pattern"
	RecognizerGenAI   = "genai"
)

// Defaults
const (
	DefaultAddr               = ":8080"
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultJanitorSchedule    = "@hourly"
	shutdownTimeout           = 10 * time.Second
)

var (
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrUnknownRecognizer = errors.New("unknown recognizer")
)

// Opts holds configuration options for the API server and its workers.
type Opts struct {
	Addr               string        // HTTP listen address
	Transport          string        // none, whatsapp or twilio
	PublicURL          string        // base URL Twilio signs webhook requests against
	Recognizer         string        // pattern or genai
	RulesPath          string        // pattern recognizer rules file; empty uses the built-in rules
	KBPath             string        // knowledge base file; empty uses the built-in entries
	KBMinScore         float64       // minimum knowledge base answer score
	MinScore           float64       // minimum intent score routed to a handler
	Greet              bool          // welcome chat users on their first message
	NotifyRecipient    string        // chat recipient of submitted records
	OutboxPollInterval time.Duration // delivery outbox polling period
	OutboxMaxAttempts  int           // failed sends before a record is canceled
	JanitorSchedule    string        // cron schedule of the expired state purge; empty disables it
	StateTTL           time.Duration // state untouched for longer is purged
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTransport selects the chat transport.
func WithTransport(name string) Option {
	return func(o *Opts) {
		o.Transport = name
	}
}

// WithPublicURL sets the externally visible base URL.
func WithPublicURL(u string) Option {
	return func(o *Opts) {
		o.PublicURL = u
	}
}

// WithRecognizer selects the intent recognizer.
func WithRecognizer(name string) Option {
	return func(o *Opts) {
		o.Recognizer = name
	}
}

// WithRulesPath sets the pattern recognizer rules file.
func WithRulesPath(path string) Option {
	return func(o *Opts) {
		o.RulesPath = path
	}
}

// WithKnowledgeBase sets the knowledge base file.
func WithKnowledgeBase(path string) Option {
	return func(o *Opts) {
		o.KBPath = path
	}
}

// WithKBMinScore sets the minimum knowledge base answer score.
func WithKBMinScore(s float64) Option {
	return func(o *Opts) {
		o.KBMinScore = s
	}
}

// WithMinScore sets the minimum intent score.
func WithMinScore(s float64) Option {
	return func(o *Opts) {
		o.MinScore = s
	}
}

// WithGreeting toggles the welcome on a chat user's first message.
func WithGreeting(enabled bool) Option {
	return func(o *Opts) {
		o.Greet = enabled
	}
}

// WithNotifyRecipient forwards submitted records to a chat recipient.
func WithNotifyRecipient(recipient string) Option {
	return func(o *Opts) {
		o.NotifyRecipient = recipient
	}
}

// WithOutboxPollInterval sets the outbox polling period.
func WithOutboxPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.OutboxPollInterval = d
	}
}

// WithOutboxMaxAttempts sets how many failures a delivery tolerates.
func WithOutboxMaxAttempts(n int) Option {
	return func(o *Opts) {
		o.OutboxMaxAttempts = n
	}
}

// WithJanitorSchedule sets the cron schedule of the expired state purge. An empty schedule
// disables it.
func WithJanitorSchedule(expr string) Option {
	return func(o *Opts) {
		o.JanitorSchedule = expr
	}
}

// WithStateTTL sets how long untouched state is kept.
func WithStateTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.StateTTL = ttl
	}
}

func defaultOpts() Opts {
	return Opts{
		Addr:               DefaultAddr,
		Transport:          TransportNone,
		Recognizer:         RecognizerPattern,
		KBMinScore:         knowledge.DefaultMinScore,
		MinScore:           dispatch.DefaultMinScore,
		OutboxPollInterval: DefaultOutboxPollInterval,
		OutboxMaxAttempts:  store.DefaultOutboxMaxAttempts,
		JanitorSchedule:    DefaultJanitorSchedule,
		StateTTL:           store.DefaultStateTTL,
	}
}

// Run starts DispatchPipe and blocks until shutdown.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, waOpts []whatsapp.Option, twOpts []twiliowhatsapp.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("api.Run: configuration", "addr", cfg.Addr, "transport", cfg.Transport, "recognizer", cfg.Recognizer, "greet", cfg.Greet)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(append(storeOpts, store.WithStateTTL(cfg.StateTTL))...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			slog.Error("api.Run: store close failed", "error", cerr)
		}
	}()

	rec, err := buildRecognizer(cfg, genaiOpts)
	if err != nil {
		return err
	}
	kb, err := knowledge.LoadFileBase(cfg.KBPath, knowledge.WithMinScore(cfg.KBMinScore))
	if err != nil {
		return fmt.Errorf("failed to load knowledge base: %w", err)
	}

	svc, twilioClient, err := buildTransport(ctx, cfg, waOpts, twOpts)
	if err != nil {
		return err
	}

	sendFunc, err := buildDelivery(cfg, svc)
	if err != nil {
		return err
	}

	d, err := NewDispatcher(st, rec, kb, cfg.MinScore, cfg.Greet)
	if err != nil {
		return err
	}
	turns := NewSerializedDispatcher(d)

	outbox := store.NewOutboxSender(st, sendFunc, cfg.OutboxPollInterval)
	outbox.SetMaxAttempts(cfg.OutboxMaxAttempts)
	if err := outbox.RecoverStaleMessages(); err != nil {
		slog.Error("api.Run: outbox recovery failed", "error", err)
	}
	go outbox.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduleJanitor(sched, st, cfg.JanitorSchedule, cfg.StateTTL); err != nil {
		return err
	}

	var serverOpts []ServerOption
	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s transport: %w", cfg.Transport, err)
		}
		defer func() {
			if serr := svc.Stop(); serr != nil {
				slog.Error("api.Run: transport stop failed", "error", serr)
			}
		}()
		rh, err := messaging.NewResponseHandler(svc, turns)
		if err != nil {
			return err
		}
		rh.Start(ctx)
		if tw, ok := svc.(*messaging.TwilioService); ok {
			serverOpts = append(serverOpts, WithTwilioWebhook(twilioClient, tw, cfg.PublicURL))
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewServer(turns, serverOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("DispatchPipe API running", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("api.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// NewDispatcher assembles the dialog engine, router and dispatcher over st.
func NewDispatcher(st store.Store, rec recognizer.Recognizer, kb knowledge.Base, minScore float64, greet bool) (*dispatch.Dispatcher, error) {
	deliverer, err := delivery.NewOutboxDeliverer(st)
	if err != nil {
		return nil, err
	}
	engine, err := flow.NewEngine(flow.DefaultRegistry(), deliverer)
	if err != nil {
		return nil, fmt.Errorf("failed to create dialog engine: %w", err)
	}
	router, err := dispatch.NewRouter(engine, kb, dispatch.WithMinScore(minScore))
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	return dispatch.NewDispatcher(st, engine, router, rec, dispatch.WithDedup(st), dispatch.WithGreeting(greet))
}

func buildRecognizer(cfg Opts, genaiOpts []genai.Option) (recognizer.Recognizer, error) {
	switch cfg.Recognizer {
	case RecognizerPattern, "":
		rec, err := recognizer.LoadPatternRecognizer(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load recognizer rules: %w", err)
		}
		return rec, nil
	case RecognizerGenAI:
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create genai client: %w", err)
		}
		return recognizer.NewGenAIRecognizer(client, recognizer.DefaultIntents...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecognizer, cfg.Recognizer)
	}
}

// buildTransport returns a nil service for TransportNone. The Twilio client is returned
// separately because the webhook validates signatures with it.
func buildTransport(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, twOpts []twiliowhatsapp.Option) (messaging.Service, *twiliowhatsapp.Client, error) {
	switch cfg.Transport {
	case TransportNone, "":
		return nil, nil, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(twOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), client, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
}

// buildDelivery always logs records, mails them when SMTP is configured and forwards them to
// NotifyRecipient when a transport is available.
func buildDelivery(cfg Opts, svc messaging.Service) (store.OutboxSendFunc, error) {
	senders := delivery.MultiSender{delivery.LogSender{}}
	if mcfg, ok := delivery.MailerConfigFromEnv(); ok {
		mailer, err := delivery.NewMailer(mcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure mailer: %w", err)
		}
		senders = append(senders, mailer)
		slog.Info("api.Run: e-mail delivery enabled", "host", mcfg.Host, "recipients", len(mcfg.To))
	}
	if cfg.NotifyRecipient != "" {
		if svc == nil {
			slog.Warn("api.Run: notify recipient ignored without a transport", "recipient", cfg.NotifyRecipient)
		} else {
			notifier, err := delivery.NewNotifier(svc, cfg.NotifyRecipient)
			if err != nil {
				return nil, err
			}
			senders = append(senders, notifier)
		}
	}
	return delivery.NewSendFunc(senders)
}

// jobScheduler is the part of scheduler.Scheduler the janitor needs.
type jobScheduler interface {
	AddJob(name, expr string, task func()) error
}

var _ jobScheduler = (*scheduler.Scheduler)(nil)

// scheduleJanitor purges state untouched for longer than ttl on the given schedule.
func scheduleJanitor(sched jobScheduler, repo store.StateRepo, expr string, ttl time.Duration) error {
	if expr == "" || ttl <= 0 {
		slog.Debug("api.scheduleJanitor: disabled")
		return nil
	}
	if err := sched.AddJob("state-janitor", expr, func() { purgeExpired(repo, time.Now(), ttl) }); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	return nil
}

func purgeExpired(repo store.StateRepo, now time.Time, ttl time.Duration) {
	n, err := repo.PurgeExpiredState(now.Add(-ttl))
	if err != nil {
		slog.Error("api.purgeExpired: purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("api.purgeExpired: purged expired state", "count", n)
	}
}
