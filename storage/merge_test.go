package storage

import (
	"testing"

	"github.com/go-livestate/livestate/schema"
)

func TestMergeFieldAcceptsFirstWrite(t *testing.T) {
	if !mergeField("", schema.Leaf("x", "2024-01-01T00:00:00Z")) {
		t.Fatal("expected first write with no existing timestamp to be accepted")
	}
}

func TestMergeFieldRejectsStaleWrite(t *testing.T) {
	if mergeField("2024-02-01T00:00:00Z", schema.Leaf("x", "2024-01-01T00:00:00Z")) {
		t.Fatal("expected older timestamp to be rejected")
	}
}

func TestMergeFieldAcceptsNewerWrite(t *testing.T) {
	if !mergeField("2024-01-01T00:00:00Z", schema.Leaf("x", "2024-02-01T00:00:00Z")) {
		t.Fatal("expected newer timestamp to be accepted")
	}
}

func TestMergeMutationKeepsUntouchedFieldsFromTarget(t *testing.T) {
	target := schema.Row{
		"name": schema.Leaf("Jane", "2024-01-01T00:00:00Z"),
		"age":  schema.Leaf(int64(30), "2024-01-01T00:00:00Z"),
	}
	payload := schema.Row{
		"name": schema.Leaf("John", "2024-02-01T00:00:00Z"),
	}

	merged, accepted := mergeMutation(payload, target)
	if len(accepted) != 1 || accepted[0] != "name" {
		t.Fatalf("accepted = %v, want [name]", accepted)
	}
	if merged["name"].Value != "John" {
		t.Fatalf("name = %v, want John", merged["name"].Value)
	}
	if merged["age"].Value != int64(30) {
		t.Fatalf("age = %v, want untouched 30", merged["age"].Value)
	}
}

func TestMergeMutationOnNilTargetAcceptsEverything(t *testing.T) {
	payload := schema.Row{
		"name": schema.Leaf("Jane", "2024-01-01T00:00:00Z"),
	}
	merged, accepted := mergeMutation(payload, nil)
	if len(accepted) != 1 {
		t.Fatalf("accepted = %v, want 1 field", accepted)
	}
	if merged["name"].Value != "Jane" {
		t.Fatalf("name = %v, want Jane", merged["name"].Value)
	}
}
