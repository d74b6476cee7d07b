package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsert(t *testing.T) {
	got := Insert("tbl_1", []string{"col_a", "col_b"}, []string{"col_id", "col_a"})
	assert.Equal(t, `INSERT INTO "tbl_1" ("col_a", "col_b") VALUES ($1, $2) RETURNING "col_id", "col_a"`, got)
}

func TestInsert_NoColumns(t *testing.T) {
	got := Insert("tbl_1", nil, []string{"col_id"})
	assert.Equal(t, `INSERT INTO "tbl_1" DEFAULT VALUES RETURNING "col_id"`, got)
}

func TestBulkInsert(t *testing.T) {
	got := BulkInsert("tbl_1", []string{"col_a", "col_b"}, 3, nil)
	assert.Equal(t, `INSERT INTO "tbl_1" ("col_a", "col_b") VALUES ($1, $2), ($3, $4), ($5, $6)`, got)
}

func TestUpdate(t *testing.T) {
	got := Update("tbl_1", []string{"col_a", "col_b"}, []string{"col_id", "col_tenant"}, []string{"col_id"})
	assert.Equal(t, `UPDATE "tbl_1" SET "col_a" = $1, "col_b" = $2 WHERE "col_id" = $3 AND "col_tenant" = $4 RETURNING "col_id"`, got)
}

func TestBatchUpdate(t *testing.T) {
	got := BatchUpdate("tbl_1", []string{"col_a"}, "col_id", "col_tenant", nil)
	assert.Equal(t, `UPDATE "tbl_1" SET "col_a" = $1 WHERE "col_id" = ANY($2) AND "col_tenant" = $3`, got)
}

func TestDelete(t *testing.T) {
	got := Delete("tbl_1", []string{"col_id", "col_tenant"}, nil)
	assert.Equal(t, `DELETE FROM "tbl_1" WHERE "col_id" = $1 AND "col_tenant" = $2`, got)
}

func TestBatchDelete(t *testing.T) {
	got := BatchDelete("tbl_1", "col_id", "col_tenant", []string{"col_id"})
	assert.Equal(t, `DELETE FROM "tbl_1" WHERE "col_id" = ANY($1) AND "col_tenant" = $2 RETURNING "col_id"`, got)
}

func TestSelectByID(t *testing.T) {
	got := SelectByID("tbl_1", []string{"col_id", "col_a"}, "col_id", "col_tenant")
	assert.Equal(t, `SELECT "col_id", "col_a" FROM "tbl_1" WHERE "col_id" = $1 AND "col_tenant" = $2`, got)
}

func TestUpsert(t *testing.T) {
	got := Upsert("tbl_1", []string{"col_email", "col_age"}, []string{"col_email"}, []string{"col_age"}, []string{"col_id"})
	assert.Equal(t, `INSERT INTO "tbl_1" ("col_email", "col_age") VALUES ($1, $2) ON CONFLICT ("col_email") DO UPDATE SET "col_age" = EXCLUDED."col_age" RETURNING "col_id"`, got)
}

func TestUpsert_DoNothing(t *testing.T) {
	got := Upsert("tbl_1", []string{"col_email"}, []string{"col_email"}, nil, nil)
	assert.Equal(t, `INSERT INTO "tbl_1" ("col_email") VALUES ($1) ON CONFLICT ("col_email") DO NOTHING`, got)
}
