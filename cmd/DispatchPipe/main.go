package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/DispatchPipe/internal/api"
	"github.com/BTreeMap/DispatchPipe/internal/dispatch"
	"github.com/BTreeMap/DispatchPipe/internal/genai"
	"github.com/BTreeMap/DispatchPipe/internal/knowledge"
	"github.com/BTreeMap/DispatchPipe/internal/lockfile"
	"github.com/BTreeMap/DispatchPipe/internal/store"
	"github.com/BTreeMap/DispatchPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DispatchPipe/internal/util"
	"github.com/BTreeMap/DispatchPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DispatchPipe state data
	DefaultStateDir = "/var/lib/dispatchpipe"
	// DefaultAppDBFileName is the default SQLite database for dialog state and the outbox
	DefaultAppDBFileName = "dispatchpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the WhatsApp device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	config := loadEnvironmentConfig()

	initializeLogger(config.Debug)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockStateDir(flags)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	waOpts := buildWhatsAppOptions(flags)
	twOpts := buildTwilioOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping DispatchPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "whatsapp", len(waOpts), "twilio", len(twOpts), "api", len(apiOpts))
	err = api.Run(storeOpts, genaiOpts, waOpts, twOpts, apiOpts)
	if lock != nil {
		lock.Release()
	}
	if err != nil {
		slog.Error("DispatchPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DispatchPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	Debug            bool
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	PublicURL        string
	Transport        string
	Recognizer       string
	RulesFile        string
	KBFile           string
	MinScore         float64
	KBMinScore       float64
	Greet            bool
	NotifyRecipient  string
	StateTTL         time.Duration
	OutboxInterval   time.Duration
	JanitorSchedule  string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	whatsappDBDSN   *string
	appDBDSN        *string
	openaiKey       *string
	openaiModel     *string
	apiAddr         *string
	publicURL       *string
	transport       *string
	recognizer      *string
	rulesFile       *string
	kbFile          *string
	minScore        *float64
	kbMinScore      *float64
	greet           *bool
	notifyRecipient *string
	stateTTL        *time.Duration
	outboxInterval  *time.Duration
	janitorSchedule *string
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
}

// initializeLogger sets up structured logging
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		Debug:            util.ParseBoolEnv("DISPATCHPIPE_DEBUG", false),
		StateDir:         os.Getenv("DISPATCHPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		Transport:        os.Getenv("DISPATCH_TRANSPORT"),
		Recognizer:       os.Getenv("DISPATCH_RECOGNIZER"),
		RulesFile:        os.Getenv("DISPATCH_RULES_FILE"),
		KBFile:           os.Getenv("DISPATCH_KB_FILE"),
		MinScore:         util.ParseFloatEnv("DISPATCH_MIN_SCORE", dispatch.DefaultMinScore),
		KBMinScore:       util.ParseFloatEnv("DISPATCH_KB_MIN_SCORE", knowledge.DefaultMinScore),
		Greet:            util.ParseBoolEnv("DISPATCH_GREET", true),
		NotifyRecipient:  os.Getenv("DISPATCH_NOTIFY_RECIPIENT"),
		StateTTL:         util.ParseDurationEnv("STATE_TTL", store.DefaultStateTTL),
		OutboxInterval:   util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", api.DefaultOutboxPollInterval),
		JanitorSchedule:  os.Getenv("JANITOR_SCHEDULE"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DISPATCHPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.JanitorSchedule == "" {
		config.JanitorSchedule = api.DefaultJanitorSchedule
	}

	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
		if config.ApplicationDBDSN != "" {
			slog.Debug("Using DATABASE_URL as DATABASE_DSN", "dsn_set", true)
		}
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DISPATCHPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"DISPATCH_TRANSPORT", config.Transport,
		"DISPATCH_RECOGNIZER", config.Recognizer,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:        fs.String("qr-output", "", "path to write login QR code"),
		numeric:         fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for DispatchPipe data (overrides $DISPATCHPIPE_STATE_DIR)"),
		whatsappDBDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:        fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:       fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:     fs.String("openai-model", config.OpenAIModel, "OpenAI model for the genai recognizer (overrides $OPENAI_MODEL)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:       fs.String("public-url", config.PublicURL, "externally visible base URL for webhooks (overrides $PUBLIC_URL)"),
		transport:       fs.String("transport", config.Transport, "chat transport: none, whatsapp or twilio (overrides $DISPATCH_TRANSPORT)"),
		recognizer:      fs.String("recognizer", config.Recognizer, "intent recognizer: pattern or genai (overrides $DISPATCH_RECOGNIZER)"),
		rulesFile:       fs.String("rules", config.RulesFile, "pattern recognizer rules file (overrides $DISPATCH_RULES_FILE)"),
		kbFile:          fs.String("kb", config.KBFile, "knowledge base file (overrides $DISPATCH_KB_FILE)"),
		minScore:        fs.Float64("min-score", config.MinScore, "minimum intent score (overrides $DISPATCH_MIN_SCORE)"),
		kbMinScore:      fs.Float64("kb-min-score", config.KBMinScore, "minimum knowledge base answer score (overrides $DISPATCH_KB_MIN_SCORE)"),
		greet:           fs.Bool("greet", config.Greet, "welcome chat users on their first message (overrides $DISPATCH_GREET)"),
		notifyRecipient: fs.String("notify", config.NotifyRecipient, "chat recipient notified of submitted records (overrides $DISPATCH_NOTIFY_RECIPIENT)"),
		stateTTL:        fs.Duration("state-ttl", config.StateTTL, "purge state untouched for this long (overrides $STATE_TTL)"),
		outboxInterval:  fs.Duration("outbox-interval", config.OutboxInterval, "delivery outbox poll interval (overrides $OUTBOX_POLL_INTERVAL)"),
		janitorSchedule: fs.String("janitor-schedule", config.JanitorSchedule, "cron schedule of the expired state purge, empty to disable (overrides $JANITOR_SCHEDULE)"),
		twilioSID:       fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"recognizer", *flags.recognizer,
		"greet", *flags.greet)

	// Follow a changed state directory when the DSNs still point at the old default location
	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
			*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated database DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags, nil
}

// ensureDirectoriesExist creates the parent directories of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	paths := []string{*flags.appDBDSN}
	if flags.transport != nil && *flags.transport == api.TransportWhatsApp {
		paths = append(paths, *flags.whatsappDBDSN)
	}
	for _, dsn := range paths {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(sqlitePath(dsn))
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// lockStateDir locks the state directory when a SQLite database lives on this host.
// It returns a nil lock when every database is remote.
func lockStateDir(flags Flags) (*lockfile.Lock, error) {
	local := *flags.appDBDSN != "" && store.DetectDSNType(*flags.appDBDSN) != "postgres"
	if flags.transport != nil && *flags.transport == api.TransportWhatsApp && store.DetectDSNType(*flags.whatsappDBDSN) != "postgres" {
		local = true
	}
	if !local {
		slog.Debug("No file-based database configured, skipping state directory lock")
		return nil, nil
	}
	return lockfile.AcquireLock(*flags.stateDir)
}

// sqlitePath strips the file: scheme and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	return path
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN != "" {
		if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	if flags.stateTTL != nil && *flags.stateTTL > 0 {
		storeOpts = append(storeOpts, store.WithStateTTL(*flags.stateTTL))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != nil && *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if flags.openaiModel != nil && *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.qrOutput != nil && *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if flags.numeric != nil && *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.whatsappDBDSN != nil && *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var twOpts []twiliowhatsapp.Option
	if flags.twilioSID != nil && *flags.twilioSID != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if flags.twilioToken != nil && *flags.twilioToken != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if flags.twilioFrom != nil && *flags.twilioFrom != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
	}
	return twOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.transport != "" {
		apiOpts = append(apiOpts, api.WithTransport(*flags.transport))
	}
	if *flags.publicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(*flags.publicURL))
	}
	if *flags.recognizer != "" {
		apiOpts = append(apiOpts, api.WithRecognizer(*flags.recognizer))
	}
	if *flags.rulesFile != "" {
		apiOpts = append(apiOpts, api.WithRulesPath(*flags.rulesFile))
	}
	if *flags.kbFile != "" {
		apiOpts = append(apiOpts, api.WithKnowledgeBase(*flags.kbFile))
	}
	if *flags.notifyRecipient != "" {
		apiOpts = append(apiOpts, api.WithNotifyRecipient(*flags.notifyRecipient))
	}
	apiOpts = append(apiOpts,
		api.WithMinScore(*flags.minScore),
		api.WithKBMinScore(*flags.kbMinScore),
		api.WithGreeting(*flags.greet),
		api.WithStateTTL(*flags.stateTTL),
		api.WithOutboxPollInterval(*flags.outboxInterval),
		api.WithJanitorSchedule(*flags.janitorSchedule),
	)
	return apiOpts
}
