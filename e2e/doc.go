package e2e

// e2e contains integration tests and utility code required to set up
// dependencies. The tests load a real config file, wire it up the way the
// command line does and deliver to in-process SMTP servers. Dependencies
// that unit tests share, e.g., the SMTP server itself, live in smtptest.
