package canon

import "testing"

func snap(fields Map) Snapshot {
	return Snapshot{SchemaVersion: SchemaVersion, Fields: fields}
}

func TestCacheKeyDeterministicRegardlessOfMapConstructionOrder(t *testing.T) {
	a := Map{"b": "2", "a": "1", "c": Set{"z", "a"}}
	b := Map{"c": Set{"a", "z"}, "a": "1", "b": "2"}

	ka, err := CacheKey(snap(a))
	if err != nil {
		t.Fatalf("CacheKey(a): %v", err)
	}
	kb, err := CacheKey(snap(b))
	if err != nil {
		t.Fatalf("CacheKey(b): %v", err)
	}
	if ka != kb {
		t.Fatalf("cache keys differ despite identical logical content: %s != %s", ka, kb)
	}
}

func TestCacheKeySensitiveToListOrder(t *testing.T) {
	a := snap(Map{"packages": []Value{"luci", "htop"}})
	b := snap(Map{"packages": []Value{"htop", "luci"}})

	ka, _ := CacheKey(a)
	kb, _ := CacheKey(b)
	if ka == kb {
		t.Fatalf("expected ordered list position to change the cache key")
	}
}

func TestCacheKeySensitiveToSetContent(t *testing.T) {
	a := snap(Map{"tags": Set{"x"}})
	b := snap(Map{"tags": Set{"y"}})

	ka, _ := CacheKey(a)
	kb, _ := CacheKey(b)
	if ka == kb {
		t.Fatalf("expected different set content to change the cache key")
	}
}

func TestCacheKeySensitiveToSchemaVersion(t *testing.T) {
	fields := Map{"a": "1"}
	ka, _ := CacheKey(Snapshot{SchemaVersion: 1, Fields: fields})
	kb, _ := CacheKey(Snapshot{SchemaVersion: 2, Fields: fields})
	if ka == kb {
		t.Fatalf("expected schema version bump to change the cache key")
	}
}

func TestNullFieldsOmitted(t *testing.T) {
	withNull := snap(Map{"a": "1", "b": nil})
	withoutB := snap(Map{"a": "1"})

	ka, _ := CacheKey(withNull)
	kb, _ := CacheKey(withoutB)
	if ka != kb {
		t.Fatalf("expected nil field to be omitted, making the keys equal")
	}
}

func TestUnsupportedTypeIsValidationError(t *testing.T) {
	_, err := CacheKey(snap(Map{"bad": struct{}{}}))
	if err == nil {
		t.Fatalf("expected an error for an unsupported value type")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestNestedMapIsSortedAndDeterministic(t *testing.T) {
	a := snap(Map{"outer": Map{"z": "1", "a": "2"}})
	b := snap(Map{"outer": Map{"a": "2", "z": "1"}})
	ka, _ := CacheKey(a)
	kb, _ := CacheKey(b)
	if ka != kb {
		t.Fatalf("nested map ordering should not affect the cache key")
	}
}
