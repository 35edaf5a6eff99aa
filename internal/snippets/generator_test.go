package snippets

import (
	"strings"
	"testing"
)

func TestGenerate_EveryFrameworkLoadsScript(t *testing.T) {
	for _, fw := range Frameworks {
		t.Run(string(fw), func(t *testing.T) {
			files, err := Generate(fw, Config{ServerURL: "https://track.davanti.example/"})
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if len(files) == 0 {
				t.Fatal("expected at least one file")
			}

			var all strings.Builder
			for _, f := range files {
				if f.Filename == "" {
					t.Error("file without a name")
				}
				all.WriteString(f.Content)
			}
			out := all.String()

			if !strings.Contains(out, "https://track.davanti.example/ab.js") {
				t.Errorf("script URL missing:\n%s", out)
			}
			if strings.Contains(out, "[[") || strings.Contains(out, "]]") {
				t.Errorf("unrendered template action:\n%s", out)
			}
			for _, want := range []string{"whatsapp_click", "form_submit", "hero"} {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q", want)
				}
			}
		})
	}
}

func TestGenerate_HTMLAttributes(t *testing.T) {
	files, err := Generate(FrameworkHTML, Config{
		ServerURL:   "http://localhost:8080",
		Section:     "footer",
		WhatsAppURL: "https://wa.me/5511999999999",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "index.html" {
		t.Fatalf("unexpected files: %+v", files)
	}

	expectations := []string{
		`<script src="http://localhost:8080/ab.js" defer></script>`,
		`data-ab-show="whatsapp"`,
		`data-ab-show="form"`,
		`data-ab-section="footer"`,
		`href="https://wa.me/5511999999999"`,
	}
	for _, expected := range expectations {
		if !strings.Contains(files[0].Content, expected) {
			t.Errorf("missing %s\n\nGot:\n%s", expected, files[0].Content)
		}
	}
}

func TestGenerate_NextJSUsesClientComponents(t *testing.T) {
	files, err := Generate(FrameworkNextJS, Config{ServerURL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if files[0].Filename != "app/layout.tsx" || !strings.Contains(files[0].Content, `strategy="afterInteractive"`) {
		t.Errorf("layout not rendered as expected: %+v", files[0])
	}
	for _, f := range files[1:] {
		if !strings.HasPrefix(f.Content, "'use client';") {
			t.Errorf("%s is not a client component", f.Filename)
		}
	}
}

func TestGenerate_RejectsInvalidSection(t *testing.T) {
	if _, err := Generate(FrameworkHTML, Config{Section: "hero; DROP TABLE"}); err == nil {
		t.Fatal("expected error for invalid section")
	}
}

func TestGenerate_UnknownFramework(t *testing.T) {
	if _, err := Generate(Framework("cobol"), Config{}); err == nil {
		t.Fatal("expected error for unknown framework")
	}
}

func TestParseFramework(t *testing.T) {
	fw, err := ParseFramework(" NextJS ")
	if err != nil || fw != FrameworkNextJS {
		t.Fatalf("ParseFramework = %q, %v", fw, err)
	}
	if _, err := ParseFramework("cobol"); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenerate_FormsRelayLeadBeforeConverting(t *testing.T) {
	for _, fw := range []Framework{FrameworkReact, FrameworkNextJS, FrameworkVue, FrameworkSvelte} {
		t.Run(string(fw), func(t *testing.T) {
			files, err := Generate(fw, Config{ServerURL: "http://localhost:8080"})
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			var all strings.Builder
			for _, f := range files {
				all.WriteString(f.Content)
			}
			out := all.String()

			if !strings.Contains(out, "davantiAB?.submitLead(") && !strings.Contains(out, "davantiAB.submitLead(") {
				t.Errorf("form does not relay through submitLead:\n%s", out)
			}
			if strings.Contains(out, "beacon('form_submit'") {
				t.Errorf("form records a conversion without relaying the lead:\n%s", out)
			}
		})
	}
}
