// Package retention bounds storage growth by archiving and deleting durable
// rows older than a configured number of days.
//
// Selection is by age threshold on every run, never by cursor, so a run that
// failed half way is finished by the next one. Archives are written once per
// table and date; a date whose archive already exists is only deleted.
package retention
