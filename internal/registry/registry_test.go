package registry

import "testing"

func shards() []ShardRecord {
	return []ShardRecord{
		{Name: "shard0", Host: "localhost", Port: 5432, User: "u", Password: "p", MaxConnections: 10},
	}
}

func users() []UserRecord {
	return []UserRecord{{Username: "app", Password: "secret"}}
}

func TestAuthenticate(t *testing.T) {
	r := New(shards(), users())
	if !r.Authenticate("app", "secret") {
		t.Error("expected matching credentials to authenticate")
	}
	if r.Authenticate("app", "wrong") {
		t.Error("expected mismatched password to fail")
	}
	if r.Authenticate("nobody", "secret") {
		t.Error("expected unknown user to fail")
	}
}

func TestShardLookup(t *testing.T) {
	r := New(shards(), users())
	sh, ok := r.Shard("shard0")
	if !ok || sh.Host != "localhost" {
		t.Fatalf("unexpected shard lookup: %+v, %v", sh, ok)
	}
	if _, ok := r.Shard("missing"); ok {
		t.Error("expected missing shard to return false")
	}
}

func TestRandomShardEmpty(t *testing.T) {
	r := New(nil, nil)
	if _, ok := r.RandomShard(); ok {
		t.Error("expected RandomShard to fail with no shards configured")
	}
}

func TestRandomShardPicksConfigured(t *testing.T) {
	r := New(shards(), users())
	sh, ok := r.RandomShard()
	if !ok || sh.Name != "shard0" {
		t.Fatalf("unexpected random shard: %+v, %v", sh, ok)
	}
}

func TestReloadReplacesSnapshotAtomically(t *testing.T) {
	r := New(shards(), users())
	r.Reload([]ShardRecord{{Name: "shard1", Host: "h2", MaxConnections: 5}}, users())

	if _, ok := r.Shard("shard0"); ok {
		t.Error("expected shard0 gone after reload")
	}
	sh, ok := r.Shard("shard1")
	if !ok || sh.Host != "h2" {
		t.Fatalf("expected shard1 after reload, got %+v, %v", sh, ok)
	}
}
