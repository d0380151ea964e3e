package html

// html is responsible for turning the HTML body of an outgoing message into
// a text/plain rendering, so that messages with an HTML body can be sent as
// multipart/alternative. It's not concerned with MIME structure or sending;
// the email package decides where the text ends up.
