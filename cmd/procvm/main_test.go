package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/procvm/asm"
	"github.com/chazu/procvm/manifest"
	"github.com/chazu/procvm/objfile"
	"github.com/chazu/procvm/vm"
)

const sumSource = `decl.i total = 0
decl counter : $rb

	push.i 5
	st.i counter
loop:
	ld.i total
	ld.i counter
	add.i
	st.i total
	ld.i counter
	push.i 1
	sub.i
	dup.i
	st.i counter
	push.i 0
	cmp.i
	ja loop
	ld.i total
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execInt(t *testing.T, e *vm.Engine, want int64) {
	t.Helper()
	v, err := e.Exec()
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if v.Type != vm.TypeInteger || v.Int != want {
		t.Fatalf("result = %s, want %d", v, want)
	}
}

func TestLoadProgramsOrder(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeFile(t, dir, "first.pasm", "decl.i base = 50\n\tld.i base\n"),
		writeFile(t, dir, "second.pasm", "decl.i off = 8\n\tld.i off\n\tsub.i\n"),
		writeFile(t, dir, "third.pasm", "\tpush.i 2\n\tmul.i\n"),
	}

	e := vm.NewEngine(vm.DefaultConfig())
	if err := loadPrograms(e, nil, files); err != nil {
		t.Fatal(err)
	}

	img := e.MMU().Image()
	if len(img.Code) != 5 {
		t.Fatalf("code size = %d, want 5", len(img.Code))
	}
	if first := img.Code[0]; first.Opcode != vm.OpLd {
		t.Errorf("first file does not lead: c:0 = %+v", first)
	}
	if last := img.Code[4]; last.Opcode != vm.OpMul {
		t.Errorf("last file does not trail: c:4 = %+v", last)
	}

	syms := e.MMU().Symbols()
	if s, ok := syms.Lookup("base"); !ok || s.Ref.Direct != (vm.DirectReference{Section: vm.SectionData, Address: 0}) {
		t.Errorf("base = %+v", s)
	}
	if s, ok := syms.Lookup("off"); !ok || s.Ref.Direct != (vm.DirectReference{Section: vm.SectionData, Address: 1}) {
		t.Errorf("off = %+v", s)
	}
	if ids := e.MMU().Buffers(); len(ids) != 1 {
		t.Errorf("merged buffers were kept: %v", ids)
	}

	execInt(t, e, 84)
}

func TestLoadProgramsErrors(t *testing.T) {
	e := vm.NewEngine(vm.DefaultConfig())
	err := loadPrograms(e, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "entry") {
		t.Fatalf("no files and no manifest: %v", err)
	}

	dir := t.TempDir()
	good := writeFile(t, dir, "good.pasm", "\tpush.i 1\n")
	bad := writeFile(t, dir, "bad.pasm", "\tfrob.i 1\n")
	err = loadPrograms(vm.NewEngine(vm.DefaultConfig()), nil, []string{bad, good})
	if err == nil || !strings.Contains(err.Error(), bad) {
		t.Fatalf("error does not name %s: %v", bad, err)
	}

	missing := filepath.Join(dir, "missing.pasm")
	if err := loadPrograms(vm.NewEngine(vm.DefaultConfig()), nil, []string{missing}); err == nil {
		t.Fatal("missing file loaded")
	}
}

func TestManifestEntryFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, manifest.FileName, "[project]\nname = \"sum\"\nentry = \"src/sum.pasm\"\n")
	writeFile(t, dir, "src/sum.pasm", sumSource)

	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	e := vm.NewEngine(m.EngineConfig())
	if err := loadPrograms(e, m, nil); err != nil {
		t.Fatal(err)
	}
	execInt(t, e, 15)

	// Explicit files win over the entry.
	other := writeFile(t, dir, "other.pasm", "\tpush.i 7\n")
	e = vm.NewEngine(m.EngineConfig())
	if err := loadPrograms(e, m, []string{other}); err != nil {
		t.Fatal(err)
	}
	execInt(t, e, 7)
}

func TestBuildAndDisassemble(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "sum.pasm", sumSource)
	out := filepath.Join(dir, "out", "sum.img")
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		t.Fatal(err)
	}

	if code := handleBuildCommand(nil, []string{"-o", out, src}); code != 0 {
		t.Fatalf("build exited %d", code)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < objfile.SniffLen() || !objfile.IsImage(data[:objfile.SniffLen()]) {
		t.Fatalf("%s is not an image", out)
	}

	// The image loads through the same sniffing path as source.
	e := vm.NewEngine(vm.DefaultConfig())
	if err := loadPrograms(e, nil, []string{out}); err != nil {
		t.Fatal(err)
	}
	var listing bytes.Buffer
	if err := e.Dump(asm.NewWriter(e.CommandSet()), &listing); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"decl.i total = 0\n", "decl counter : $rb\n", "loop:\n", "\tja loop\n"} {
		if !strings.Contains(listing.String(), want) {
			t.Errorf("listing lacks %q:\n%s", want, listing.String())
		}
	}
	execInt(t, e, 15)

	// The listing assembles back into the same program.
	dis := writeFile(t, dir, "dis.pasm", listing.String())
	f := vm.NewEngine(vm.DefaultConfig())
	if err := loadPrograms(f, nil, []string{dis}); err != nil {
		t.Fatalf("listing does not assemble: %v", err)
	}
	if f.Checksum() != func() uint64 {
		g := vm.NewEngine(vm.DefaultConfig())
		if err := loadPrograms(g, nil, []string{src}); err != nil {
			t.Fatal(err)
		}
		return g.Checksum()
	}() {
		t.Error("listing checksum differs from the source's")
	}
	execInt(t, f, 15)
}

func TestBuildDefaultOutput(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "prog.pasm", "\tpush.i 3\n")

	if code := handleBuildCommand(nil, []string{src}); code != 0 {
		t.Fatalf("build exited %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "prog.pvmi")); err != nil {
		t.Fatalf("default output missing: %v", err)
	}

	if code := handleBuildCommand(nil, nil); code != 1 {
		t.Errorf("build with nothing to do exited %d, want 1", code)
	}
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "sum.pasm", sumSource)

	if code := handleRunCommand(nil, []string{src}); code != 0 {
		t.Errorf("run exited %d", code)
	}
	if code := handleRunCommand(nil, []string{filepath.Join(dir, "nope.pasm")}); code != 1 {
		t.Errorf("run of a missing file exited %d, want 1", code)
	}
}
