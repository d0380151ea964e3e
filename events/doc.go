package events

// events carries lifecycle notifications out of a delivery: state
// transitions, attempt outcomes, warnings and final results. Sinks must
// never fail a delivery, so Emit has no error to return.
