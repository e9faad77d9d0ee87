// Package id issues ULID strings for journal rows and regulation
// cycles. ULIDs sort by creation time, which keeps the sqlite journal
// naturally ordered.
package id

import "github.com/oklog/ulid/v2"

func New() string {
	return ulid.Make().String()
}
