package smtp

// smtp submits messages to a mail server with a fresh SMTP connection per
// send. It keeps no state between sends, so one Transport can serve any
// number of concurrent deliveries.
