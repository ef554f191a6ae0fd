// Package line adapts the LINE Messaging API to the messenger contract.
//
// Webhook requests are verified with the channel secret and converted to
// conversation events. Button messages are delivered as text messages with
// quick reply items, which allow up to 13 choices instead of the four a
// buttons template permits.
package line
