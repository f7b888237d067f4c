// Package broadcast sends one message to every subscriber matching a
// filter. It backs the admin launch announcement and ad-hoc campaigns.
//
// Only one broadcast runs at a time; the guard is a distributed lock so a
// second replica or a double-clicked admin button gets ErrInProgress
// instead of mailing the list twice. Sends are paced by a fixed delay and
// each one is accounted against the subscriber record.
package broadcast
