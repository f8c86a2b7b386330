// Package testutil contains helper builders and probes used across tests to
// reduce boilerplate when constructing messages and observing deliveries.
// They are not intended for production usage.
package testutil
