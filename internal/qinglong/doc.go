// Package qinglong talks to a QingLong task panel's open API.
//
// It owns two pieces:
//   - TokenManager keeps the panel bearer token fresh (proactive renewal,
//     single-flight refresh, minimum interval between attempts).
//   - Client lists cron tasks and triggers runs with that token.
//
// Nothing in this package returns transport or protocol errors to callers of
// the polling operations: failures degrade to empty/false results and are
// logged, because callers poll on a fixed cadence and retry on the next cycle.
package qinglong
