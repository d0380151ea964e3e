package email

// email is responsible for turning user input into an immutable, validated
// Message and for rendering that Message as MIME, either as a plain message
// or as a PGP/MIME envelope around data encrypted elsewhere. It doesn't talk
// to mail servers and it doesn't encrypt anything itself.
