// Package dedupe provides a time- and size-bounded cache of seen message
// keys, used by the session adapters to ignore duplicate wire messages.
package dedupe
