package cli

// cli contains the relaymail command line: the root command sends one
// message, `history` reads the delivery journal and `version` prints build
// information. Execute runs it and turns the outcome into an exit code.
