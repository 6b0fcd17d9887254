// Package notifier delivers fired reminders to users.
//
// The scheduler hands each due reminder to a Notifier as a Delivery. The
// Telegram implementation resolves the destination chat, throttles outgoing
// messages with a token bucket and reports failures the platform will never
// accept again as permanent, so the scheduler can stop retrying them.
package notifier
