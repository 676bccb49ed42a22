package store

import "testing"

func TestCacheKeyNormalizesQueryText(t *testing.T) {
	a := CacheKey("Top Accounts  by revenue", "kim", "t1", "sql", nil, false)
	b := CacheKey("  top accounts by REVENUE ", "kim", "t1", "sql", nil, false)
	if a != b {
		t.Error("trivially reworded queries should share a key")
	}
}

func TestCacheKeyPartitionsByCaller(t *testing.T) {
	a := CacheKey("top accounts", "kim", "t1", "sql", nil, false)
	b := CacheKey("top accounts", "alex", "t1", "sql", nil, false)
	if a == b {
		t.Error("different callers must never share a key")
	}
}

func TestCacheKeyPartitionsByTenantAndType(t *testing.T) {
	base := CacheKey("top accounts", "kim", "t1", "sql", nil, false)
	if base == CacheKey("top accounts", "kim", "t2", "sql", nil, false) {
		t.Error("tenant must partition the key")
	}
	if base == CacheKey("top accounts", "kim", "t1", "semantic", nil, false) {
		t.Error("query type must partition the key")
	}
}

func TestCacheKeyRoleScoping(t *testing.T) {
	sales := CacheKey("top accounts", "kim", "t1", "sql", []string{"sales"}, true)
	admin := CacheKey("top accounts", "kim", "t1", "sql", []string{"admin"}, true)
	if sales == admin {
		t.Error("role change must miss under caller+roles scoping")
	}

	// Role order must not matter.
	ab := CacheKey("top accounts", "kim", "t1", "sql", []string{"sales", "support"}, true)
	ba := CacheKey("top accounts", "kim", "t1", "sql", []string{"support", "sales"}, true)
	if ab != ba {
		t.Error("role order must not change the key")
	}

	// Under caller-only scoping roles are ignored entirely.
	x := CacheKey("top accounts", "kim", "t1", "sql", []string{"sales"}, false)
	y := CacheKey("top accounts", "kim", "t1", "sql", []string{"admin"}, false)
	if x != y {
		t.Error("caller-only scoping must ignore roles")
	}
}
