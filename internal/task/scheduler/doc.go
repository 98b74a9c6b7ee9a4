// Package scheduler registers cron and interval schedules and turns each
// trigger into a job on the task engine. It does not run jobs itself.
//
// The analysis engine uses it as its Trigger: every scheduled task gets an
// interval schedule named "tick:<task>" that fires at the poll interval until
// the task is disarmed.
package scheduler
