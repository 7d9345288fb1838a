// Package refresh stores issued refresh-token records: one row per jti with a
// one-way token hash, denormalized device fields, a value-referenced parent
// link forming rotation families, and active/revoked lifecycle state.
//
// Two backends are provided. RedisStore keeps JSON records behind index sets
// and relies on Lua scripts for the single-winner rotation consume.
// SQLiteStore keeps the same records in a table and adds true transactional
// batches plus recursive-CTE family traversal.
package refresh
