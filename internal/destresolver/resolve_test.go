package destresolver

import "testing"

func TestResolveCollapsesDivergentLocalPathsOntoSameDestination(t *testing.T) {
	// Two catalog entries share the same ".../models" root but were
	// originally requested under different local aliases; since they
	// name the same remote artifact, they must collapse onto one
	// physical destination.
	destA, symA := Resolve("/workspace/models/checkpoints/sdxl.safetensors", "s3://bucket/models/checkpoints/sdxl.safetensors")
	destB, symB := Resolve("/workspace/models/unet/sdxl-alias.safetensors", "s3://bucket/models/checkpoints/sdxl.safetensors")

	if destA != destB {
		t.Fatalf("expected both local paths to collapse to the same destination, got %q and %q", destA, destB)
	}
	if symA {
		t.Fatalf("expected the canonical local path to need no symlink")
	}
	if !symB {
		t.Fatalf("expected the aliased local path to require a symlink")
	}
}

func TestResolveNoSymlinkWhenLocalPathAlreadyCanonical(t *testing.T) {
	dest, needsSymlink := Resolve("/workspace/models/checkpoints/sdxl.safetensors", "s3://bucket/models/checkpoints/sdxl.safetensors")
	if needsSymlink {
		t.Fatalf("expected no symlink needed when localPath already matches destination, got dest=%q", dest)
	}
}

func TestResolveFallsBackToDirnameWithoutModelsSegment(t *testing.T) {
	dest, _ := Resolve("/workspace/output/foo.safetensors", "bar/foo.safetensors")
	want := "/workspace/output/bar/foo.safetensors"
	if dest != want {
		t.Fatalf("expected %q, got %q", want, dest)
	}
}

func TestResolveStripsBucketScheme(t *testing.T) {
	destWithScheme, _ := Resolve("/x/models/a.safetensors", "s3://my-bucket/models/a.safetensors")
	destWithSlash, _ := Resolve("/x/models/a.safetensors", "/models/a.safetensors")
	if destWithScheme != destWithSlash {
		t.Fatalf("expected scheme-prefixed and slash-prefixed remote paths to resolve identically, got %q vs %q", destWithScheme, destWithSlash)
	}
}

func TestResolveUsesEntireRemotePathWhenNoModelsSegment(t *testing.T) {
	dest, _ := Resolve("/x/output/thing.bin", "loose/thing.bin")
	want := "/x/output/loose/thing.bin"
	if dest != want {
		t.Fatalf("expected %q, got %q", want, dest)
	}
}
