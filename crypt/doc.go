package crypt

// crypt decides, for each recipient of a message, whether the message is
// encrypted for them, sent to them in plaintext, or not sent at all, and
// produces the bytes of every resulting rendering. The policy decision is
// the point of the package; the OpenPGP work is delegated to a Cipher.
