package certstore

// certstore looks up the public encryption keys of recipients by email
// address. It only ever reads from a store; importing and persisting keys is
// left to other tools (e.g., `gpg --armor --export`).
