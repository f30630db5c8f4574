// Package jobsession drives the live execution of a triggered cron job.
//
// A Session represents one trigger of one job, from the request until a
// terminal state. It consumes events decoded from the trigger response
// stream and exposes its state, status message and output lines.
//
// A Controller owns the current Session. It enforces that at most one
// Session is triggering or streaming at a time and provides the trigger,
// kill and retry commands.
package jobsession
