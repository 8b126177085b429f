// Package customer adapts authenticated customer connections onto the
// routing layer: one session room per customer, typing relay, join/leave
// emission, and duplicate message suppression.
package customer
