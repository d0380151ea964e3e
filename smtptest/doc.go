package smtptest

// smtptest runs an SMTP server inside the test process so that transports
// can be exercised against a real protocol exchange. Failures can be
// scripted per stage of a transaction to simulate busy or hostile servers.
