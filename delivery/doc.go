package delivery

// delivery drives a message from a Draft to the mail server: it builds the
// message, applies the encryption policy once, and sends every resulting
// rendering with retries, backoff and failover between accounts. It never
// decides on its own whether a failure is transient; transports do that.
