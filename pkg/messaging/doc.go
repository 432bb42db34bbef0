// Package messaging interprets chat commands against the memory service.
//
// Channel adapters stay outside the service; they post a Command and
// relay the Reply. The interpreter understands remember, recall, status,
// the task subcommands and help. Whether a channel is strict (secret
// blocking on input, redaction on output) is resolved per request at the
// transport edge via StrictChannel, so the command logic itself never
// consults channel configuration.
package messaging
