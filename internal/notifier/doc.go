// Package notifier delivers composed announcements to the configured
// destination channels.
//
// Delivery is async: queue + worker pool + rate limit + retry. Each channel
// receives the summary and all detail blocks as one outbound call, then a
// best-effort boost (pin) whose failure never fails the dispatch.
package notifier
