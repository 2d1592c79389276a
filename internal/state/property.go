package state

// Property is a typed accessor for one key in a Bag.
type Property[T any] struct {
	Key     string
	Default func() T
}

// NewProperty declares a property with an optional default factory.
func NewProperty[T any](key string, def func() T) Property[T] {
	return Property[T]{Key: key, Default: def}
}

// Get reads the property, creating the default when it is missing.
func (p Property[T]) Get(b *Bag) (T, error) {
	return Get(b, p.Key, p.Default)
}

// Lookup reads the property without creating a default.
func (p Property[T]) Lookup(b *Bag) (T, bool, error) {
	ok, err := b.Has(p.Key)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	v, err := Get[T](b, p.Key, nil)
	return v, err == nil, err
}

// Set replaces the property value.
func (p Property[T]) Set(b *Bag, v T) {
	Set(b, p.Key, v)
}

// Delete removes the property.
func (p Property[T]) Delete(b *Bag) {
	b.Delete(p.Key)
}
