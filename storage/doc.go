package storage

// storage defines KeyValue, a small interface over a persistent key/value
// store, and implements it with BadgerDB. Values are opaque bytes; callers
// such as the delivery journal decide what goes in them.
