package transport

// transport hands rendered messages to a mail submission channel and
// classifies whatever goes wrong. Whether a failure is worth retrying is
// decided here, once, by the tables in classify.go; callers only look at the
// Status of an Outcome.
