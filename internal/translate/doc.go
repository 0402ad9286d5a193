// Package translate glues message persistence to the background task
// manager: after a message is stored, a pending translation record and a
// translate job are created for each configured target language.
//
// The external translation vendor is reached only through the Translator
// capability, which classifies its failures as transient (retried) or
// permanent (abandoned). A rate-limited wrapper throttles capability
// invocations. When a job is abandoned, the failure hook writes the FAILED
// record exactly once, so consumers can distinguish "not yet translated"
// from "translation failed".
//
// The package also carries the auxiliary job actions sharing the same retry
// discipline (activity logging, room notifications) and a cron janitor that
// purges terminal translation records past their retention window.
package translate
