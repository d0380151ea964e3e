package journal

// journal keeps the results of finished deliveries in a key/value store so
// that they can be listed later, e.g., by `relaymail history`. Results are
// stored as JSON and expire with the store's key TTL.
