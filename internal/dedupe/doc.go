// Package dedupe remembers recently appended client message ids so that a
// retried send is answered with the original sequence number instead of
// being appended, broadcast or answered by automation a second time.
package dedupe
