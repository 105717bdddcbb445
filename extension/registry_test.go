package extension

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"nova-rpc/common"
)

// Greeter is the capability used throughout the tests.
type Greeter interface {
	Greet(u *common.URL, who string) (string, error)
	Close() error
}

type staticGreeter struct {
	lang string
}

func (g *staticGreeter) Greet(_ *common.URL, who string) (string, error) {
	return g.lang + ":" + who, nil
}

func (g *staticGreeter) Close() error { return nil }

// markGreeter decorates another greeter, recording its traversal.
type markGreeter struct {
	inner Greeter
	mark  string
}

func (g *markGreeter) Greet(u *common.URL, who string) (string, error) {
	s, err := g.inner.Greet(u, who)
	return g.mark + "(" + s + ")", err
}

func (g *markGreeter) Close() error { return g.inner.Close() }

// adaptiveGreeter is the hand-written adaptive implementation: Greet
// dispatches per call, Close is not adaptive.
type adaptiveGreeter struct {
	l *Loader[Greeter]
}

func (g *adaptiveGreeter) Greet(u *common.URL, who string) (string, error) {
	name, err := AdaptiveNameFor(g.l, u, "greeter", "lang")
	if err != nil {
		return "", err
	}
	impl, err := g.l.Get(name)
	if err != nil {
		return "", err
	}
	return impl.Greet(u, who)
}

func (g *adaptiveGreeter) Close() error { return ErrNonAdaptiveMethod }

func newGreeterRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterPoint[Greeter](r, "greeter", "en")
	MustRegisterNamed(r, "en", func() Greeter { return &staticGreeter{lang: "en"} })
	MustRegisterNamed(r, "fr", func() Greeter { return &staticGreeter{lang: "fr"} })
	MustRegisterAdaptive(r, func(l *Loader[Greeter]) Greeter { return &adaptiveGreeter{l: l} })
	return r
}

func TestLoaderForUndeclaredType(t *testing.T) {
	type notAPoint interface{ Foo() }
	r := NewRegistry()
	_, err := LoaderFor[notAPoint](r)
	if !errors.Is(err, ErrNotAnExtensionPoint) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetSingleton(t *testing.T) {
	r := newGreeterRegistry(t)
	l, err := LoaderFor[Greeter](r)
	if err != nil {
		t.Fatal(err)
	}
	a, err := l.Get("fr")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := l.Get("fr")
	if a != b {
		t.Fatal("repeated Get returned distinct instances")
	}
	if def, _ := l.Get("true"); def == nil {
		t.Fatal("true must resolve the default")
	}
	d1, _ := l.Get("true")
	d2, _ := l.GetDefault()
	if d1 != d2 {
		t.Fatal("default lookups disagree")
	}
	if _, err := l.Get("nope"); !errors.Is(err, ErrNoSuchExtension) {
		t.Fatalf("err = %v", err)
	}
}

func TestWrapperComposition(t *testing.T) {
	r := newGreeterRegistry(t)
	MustRegisterWrapper(r, func(inner Greeter) Greeter { return &markGreeter{inner: inner, mark: "w1"} })
	MustRegisterWrapper(r, func(inner Greeter) Greeter { return &markGreeter{inner: inner, mark: "w2"} })
	l, _ := LoaderFor[Greeter](r)

	g, err := l.Get("en")
	if err != nil {
		t.Fatal(err)
	}
	out, _ := g.Greet(nil, "x")
	// Both wrappers traverse exactly once; order is unspecified.
	if out != "w2(w1(en:x))" && out != "w1(w2(en:x))" {
		t.Fatalf("wrapper traversal = %q", out)
	}
	again, _ := g.Greet(nil, "x")
	if again != out {
		t.Fatalf("composition unstable: %q vs %q", out, again)
	}
}

func TestAdaptiveDispatch(t *testing.T) {
	r := newGreeterRegistry(t)
	l, _ := LoaderFor[Greeter](r)
	adaptive, err := l.GetAdaptive()
	if err != nil {
		t.Fatal(err)
	}

	// First key unset, second key set: routes by the second key.
	u := common.MustParse("test://h:1/p?lang=fr")
	if out, _ := adaptive.Greet(u, "x"); out != "fr:x" {
		t.Fatalf("out = %q", out)
	}
	// First key wins when both are present.
	u = common.MustParse("test://h:1/p?greeter=en&lang=fr")
	if out, _ := adaptive.Greet(u, "x"); out != "en:x" {
		t.Fatalf("out = %q", out)
	}
	// Neither set: falls back to the point default.
	u = common.MustParse("test://h:1/p")
	if out, _ := adaptive.Greet(u, "x"); out != "en:x" {
		t.Fatalf("out = %q", out)
	}
	// Non-adaptive method on the adaptive instance.
	if err := adaptive.Close(); !errors.Is(err, ErrNonAdaptiveMethod) {
		t.Fatalf("err = %v", err)
	}
	// Missing URL.
	if _, err := adaptive.Greet(nil, "x"); !errors.Is(err, ErrAdaptiveURLMissing) {
		t.Fatalf("err = %v", err)
	}
	// Same adaptive singleton on every call.
	b, _ := l.GetAdaptive()
	if adaptive != b {
		t.Fatal("adaptive not memoized")
	}
}

func TestAdaptiveNameUnresolved(t *testing.T) {
	type Silent interface{ Speak(u *common.URL) error }
	r := NewRegistry()
	RegisterPoint[Silent](r, "silent", "") // no default name
	l, _ := LoaderFor[Silent](r)
	_, err := AdaptiveNameFor(l, common.MustParse("test://h:1/p"), "tone")
	if !errors.Is(err, ErrAdaptiveNameUnresolved) {
		t.Fatalf("err = %v", err)
	}
}

func TestNoAdaptiveDeclared(t *testing.T) {
	type Plain interface{ Do() }
	r := NewRegistry()
	RegisterPoint[Plain](r, "plain", "")
	l, _ := LoaderFor[Plain](r)
	if _, err := l.GetAdaptive(); !errors.Is(err, ErrNoAdaptiveMethod) {
		t.Fatalf("err = %v", err)
	}
}

func TestDefaultKeyDerivation(t *testing.T) {
	cases := map[string]string{
		"YyyInvokerWrapper": "yyy.invoker.wrapper",
		"Cluster":           "cluster",
		"LoadBalance":       "load.balance",
	}
	for in, want := range cases {
		if got := DefaultKey(in); got != want {
			t.Fatalf("DefaultKey(%q) = %q, want %q", in, got, want)
		}
	}
}

// holder is a capability whose implementations depend on Greeter.
type holder interface{ Held() Greeter }

type holderImpl struct {
	greeter   Greeter
	setCalls  int
	nameValue string
}

func (h *holderImpl) Held() Greeter { return h.greeter }

func (h *holderImpl) SetGreeter(g Greeter) {
	h.setCalls++
	h.greeter = g
}

// SetLabel takes a primitive and must never be injected.
func (h *holderImpl) SetLabel(s string) { h.nameValue = s }

func TestInjection(t *testing.T) {
	r := newGreeterRegistry(t)
	RegisterPoint[holder](r, "holder", "plain")
	impl := &holderImpl{}
	MustRegisterNamed(r, "plain", func() holder { return impl })

	l, _ := LoaderFor[holder](r)
	h, err := l.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if impl.setCalls != 1 {
		t.Fatalf("SetGreeter called %d times", impl.setCalls)
	}
	gl, _ := LoaderFor[Greeter](r)
	adaptive, _ := gl.GetAdaptive()
	if h.Held() != adaptive {
		t.Fatal("injected value is not the adaptive instance")
	}
	if impl.nameValue != "" {
		t.Fatal("primitive setter was invoked")
	}
}

func TestInjectionDisabled(t *testing.T) {
	r := newGreeterRegistry(t)
	RegisterPoint[holder](r, "holder", "quiet")
	impl := &holderImpl{}
	MustRegisterNamed(r, "quiet", func() holder { return impl }, WithInjectDisabled("SetGreeter"))

	l, _ := LoaderFor[holder](r)
	if _, err := l.Get("quiet"); err != nil {
		t.Fatal(err)
	}
	if impl.setCalls != 0 {
		t.Fatalf("disabled setter called %d times", impl.setCalls)
	}
}

func TestActivation(t *testing.T) {
	r := NewRegistry()
	RegisterPoint[Greeter](r, "greeter", "")
	mk := func(lang string) func() Greeter {
		return func() Greeter { return &staticGreeter{lang: lang} }
	}
	MustRegisterNamed(r, "a", mk("a"), WithActivation([]string{"provider"}, nil), WithOrder(1))
	MustRegisterNamed(r, "b", mk("b"), WithActivation([]string{"provider"}, []string{"cache"}), WithOrder(2))
	MustRegisterNamed(r, "c", mk("c"), WithActivation([]string{"consumer"}, nil))
	MustRegisterNamed(r, "user", mk("user"))

	l, _ := LoaderFor[Greeter](r)
	langs := func(gs []Greeter) []string {
		out := make([]string, len(gs))
		for i, g := range gs {
			s, _ := g.Greet(nil, "")
			out[i] = s[:len(s)-1]
		}
		return out
	}

	// Group filter plus value match on a suffixed key.
	u := common.MustParse("test://h:1/p?demo.cache=lru")
	got, err := l.GetActivated(u, "exts", "provider")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(langs(got)) != "[a b]" {
		t.Fatalf("activated = %v", langs(got))
	}

	// Value filter drops b when the key is absent.
	u = common.MustParse("test://h:1/p")
	got, _ = l.GetActivated(u, "exts", "provider")
	if fmt.Sprint(langs(got)) != "[a]" {
		t.Fatalf("activated = %v", langs(got))
	}

	// User list positions the auto block and appends its own entries.
	u = common.MustParse("test://h:1/p?exts=user,default")
	got, _ = l.GetActivated(u, "exts", "provider")
	if fmt.Sprint(langs(got)) != "[user a]" {
		t.Fatalf("activated = %v", langs(got))
	}

	// "-name" removes one auto entry, "-default" removes the block.
	u = common.MustParse("test://h:1/p?exts=-a")
	got, _ = l.GetActivated(u, "exts", "provider")
	if len(got) != 0 {
		t.Fatalf("activated = %v", langs(got))
	}
	u = common.MustParse("test://h:1/p?exts=user,-default")
	got, _ = l.GetActivated(u, "exts", "provider")
	if fmt.Sprint(langs(got)) != "[user]" {
		t.Fatalf("activated = %v", langs(got))
	}
}

func TestManifestLoading(t *testing.T) {
	r := NewRegistry()
	RegisterPoint[Greeter](r, "greeter", "en")
	MustRegisterNamed(r, "en", func() Greeter { return &staticGreeter{lang: "en"} },
		WithIdentifier("greeter.EnglishGreeter"))
	MustRegisterNamed(r, "fr", func() Greeter { return &staticGreeter{lang: "fr"} },
		WithIdentifier("greeter.FrenchGreeter"))

	root := t.TempDir()
	dir := filepath.Join(root, "resources", "internal")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "# aliases\nenglish = greeter.EnglishGreeter\n\ngreeter.FrenchGreeter # bare identifier\n"
	if err := os.WriteFile(filepath.Join(dir, "greeter"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.LoadManifests(root); err != nil {
		t.Fatal(err)
	}
	l, _ := LoaderFor[Greeter](r)
	if g, err := l.Get("english"); err != nil || g == nil {
		t.Fatalf("aliased lookup failed: %v", err)
	}
	// Bare identifier derives "french" (type suffix stripped, lowercased).
	if g, err := l.Get("french"); err != nil || g == nil {
		t.Fatalf("derived lookup failed: %v", err)
	}
}

func TestManifestDuplicate(t *testing.T) {
	r := NewRegistry()
	RegisterPoint[Greeter](r, "greeter", "en")
	MustRegisterNamed(r, "en", func() Greeter { return &staticGreeter{lang: "en"} },
		WithIdentifier("greeter.EnglishGreeter"))
	MustRegisterNamed(r, "fr", func() Greeter { return &staticGreeter{lang: "fr"} },
		WithIdentifier("greeter.FrenchGreeter"))

	root := t.TempDir()
	dir := filepath.Join(root, "resources", "vendor")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "same = greeter.EnglishGreeter\nsame = greeter.FrenchGreeter\n"
	if err := os.WriteFile(filepath.Join(dir, "greeter"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadManifests(root); !errors.Is(err, ErrDuplicateExtension) {
		t.Fatalf("err = %v", err)
	}
}
