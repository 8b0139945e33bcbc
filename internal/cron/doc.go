// Package cron runs recurring daemon jobs, such as update checks against
// the origin, on cron expressions. A single goroutine owns a min-heap of
// pending firings and never sleeps longer than a minute, so wall-clock
// jumps (NTP steps, suspend) are picked up on the next wake.
package cron
