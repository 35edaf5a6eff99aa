// Package snippets renders copy-paste integration code for the /ab.js
// client script in the frameworks the landing page may be built with.
package snippets

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/davanti/abtrack/internal/experiment"
)

type Framework string

const (
	FrameworkHTML    Framework = "html"
	FrameworkNextJS  Framework = "nextjs"
	FrameworkReact   Framework = "react"
	FrameworkVue     Framework = "vue"
	FrameworkSvelte  Framework = "svelte"
	FrameworkLaravel Framework = "laravel"
	FrameworkDjango  Framework = "django"
)

// Frameworks lists every supported framework in menu order.
var Frameworks = []Framework{
	FrameworkHTML,
	FrameworkNextJS,
	FrameworkReact,
	FrameworkVue,
	FrameworkSvelte,
	FrameworkLaravel,
	FrameworkDjango,
}

// Label is the human-readable menu entry for f.
func (f Framework) Label() string {
	switch f {
	case FrameworkHTML:
		return "HTML (vanilla JavaScript)"
	case FrameworkNextJS:
		return "Next.js"
	case FrameworkReact:
		return "React"
	case FrameworkVue:
		return "Vue / Nuxt"
	case FrameworkSvelte:
		return "Svelte"
	case FrameworkLaravel:
		return "Laravel"
	case FrameworkDjango:
		return "Django"
	default:
		return string(f)
	}
}

// ParseFramework accepts a framework name case-insensitively.
func ParseFramework(s string) (Framework, error) {
	f := Framework(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Frameworks {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown framework %q", s)
}

const (
	DefaultSection     = "hero"
	DefaultWhatsAppURL = "https://wa.me/5500000000000"
)

type Config struct {
	// ServerURL is where /ab.js is served from, without a trailing slash.
	ServerURL   string
	Section     string
	WhatsAppURL string
}

type SnippetFile struct {
	Filename string
	Content  string
}

type templateData struct {
	ServerURL       string
	Section         string
	WhatsAppURL     string
	VariantWhatsApp string
	VariantForm     string
	EventClick      string
	EventSubmit     string
}

// Generate renders the snippet files for framework.
func Generate(framework Framework, cfg Config) ([]SnippetFile, error) {
	if !experiment.ValidSection(valueOr(cfg.Section, DefaultSection)) {
		return nil, fmt.Errorf("%w: %q", experiment.ErrInvalidSection, cfg.Section)
	}
	data := templateData{
		ServerURL:       strings.TrimRight(cfg.ServerURL, "/"),
		Section:         valueOr(cfg.Section, DefaultSection),
		WhatsAppURL:     valueOr(cfg.WhatsAppURL, DefaultWhatsAppURL),
		VariantWhatsApp: string(experiment.VariantWhatsApp),
		VariantForm:     string(experiment.VariantForm),
		EventClick:      string(experiment.EventWhatsAppClick),
		EventSubmit:     string(experiment.EventFormSubmit),
	}

	var templates []fileTemplate
	switch framework {
	case FrameworkHTML:
		templates = htmlFiles
	case FrameworkNextJS:
		templates = nextFiles
	case FrameworkReact:
		templates = reactFiles
	case FrameworkVue:
		templates = vueFiles
	case FrameworkSvelte:
		templates = svelteFiles
	case FrameworkLaravel:
		templates = laravelFiles
	case FrameworkDjango:
		templates = djangoFiles
	default:
		return nil, fmt.Errorf("unknown framework %q", framework)
	}

	files := make([]SnippetFile, 0, len(templates))
	for _, ft := range templates {
		content, err := render(ft.filename, ft.body, data)
		if err != nil {
			return nil, err
		}
		files = append(files, SnippetFile{Filename: ft.filename, Content: content})
	}
	return files, nil
}

func render(name, body string, data templateData) (string, error) {
	tmpl, err := template.New(name).Delims("[[", "]]").Parse(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

type fileTemplate struct {
	filename string
	body     string
}

// ctaMarkup is shared by every framework whose templates are plain HTML.
// /ab.js relays the form to the lead endpoint and records the conversion
// when the relay succeeds; it fires davanti:lead or davanti:lead-error on
// the form.
const ctaMarkup = `<!-- WhatsApp variant -->
<a data-ab-show="[[.VariantWhatsApp]]" hidden
   data-ab-track="[[.EventClick]]" data-ab-section="[[.Section]]"
   href="[[.WhatsAppURL]]">Fale no WhatsApp</a>

<!-- Form variant -->
<form data-ab-show="[[.VariantForm]]" hidden
      data-ab-track="[[.EventSubmit]]" data-ab-section="[[.Section]]">
  <input name="name" required>
  <input name="phone" type="tel" required>
  <button type="submit">Quero ser contatado</button>
</form>
`

var htmlFiles = []fileTemplate{
	{"index.html", `<script src="[[.ServerURL]]/ab.js" defer></script>

` + ctaMarkup},
}

var laravelFiles = []fileTemplate{
	{"resources/views/layouts/app.blade.php", `<script src="[[.ServerURL]]/ab.js" defer></script>
`},
	{"resources/views/partials/cta.blade.php", ctaMarkup},
}

var djangoFiles = []fileTemplate{
	{"templates/base.html", `<script src="[[.ServerURL]]/ab.js" defer></script>
`},
	{"templates/partials/cta.html", ctaMarkup},
}

const reactHook = `import { useEffect, useState } from 'react';

type Variant = '[[.VariantWhatsApp]]' | '[[.VariantForm]]';

declare global {
  interface Window {
    davantiAB?: {
      variant: Variant;
      track: (eventType: string, section?: string) => Promise<unknown>;
      beacon: (eventType: string, section?: string) => void;
      // Relays the lead and records [[.EventSubmit]] only when it succeeds.
      submitLead: (
        lead: { name: string; phone: string },
        section?: string,
      ) => Promise<{ success: boolean; error?: string }>;
    };
  }
}

export function useVariant(): Variant | null {
  const [variant, setVariant] = useState<Variant | null>(null);

  useEffect(() => {
    const read = () => {
      if (window.davantiAB) {
        setVariant(window.davantiAB.variant);
        return true;
      }
      return false;
    };
    if (read()) return;
    const id = setInterval(() => read() && clearInterval(id), 50);
    return () => clearInterval(id);
  }, []);

  return variant;
}
`

const reactCTA = `import { useState, type FormEvent } from 'react';
import { useVariant } from './useVariant';

export function CTA() {
  const variant = useVariant();
  const [status, setStatus] = useState<'idle' | 'sent' | 'error'>('idle');
  if (!variant) return null;

  const onSubmit = async (e: FormEvent<HTMLFormElement>) => {
    e.preventDefault();
    const form = new FormData(e.currentTarget);
    const out = await window.davantiAB?.submitLead(
      { name: String(form.get('name') ?? ''), phone: String(form.get('phone') ?? '') },
      '[[.Section]]',
    );
    setStatus(out?.success ? 'sent' : 'error');
  };

  if (variant === '[[.VariantWhatsApp]]') {
    return (
      <a
        href="[[.WhatsAppURL]]"
        onClick={() => window.davantiAB?.track('[[.EventClick]]', '[[.Section]]')}
      >
        Fale no WhatsApp
      </a>
    );
  }

  return (
    <form onSubmit={onSubmit}>
      <input name="name" required />
      <input name="phone" type="tel" required />
      <button type="submit" disabled={status === 'sent'}>Quero ser contatado</button>
      {status === 'error' && <p>Não foi possível enviar. Tente novamente.</p>}
    </form>
  );
}
`

var reactFiles = []fileTemplate{
	{"index.html", `<script src="[[.ServerURL]]/ab.js" defer></script>
`},
	{"useVariant.ts", reactHook},
	{"CTA.tsx", reactCTA},
}

var nextFiles = []fileTemplate{
	{"app/layout.tsx", `import Script from 'next/script';

export default function RootLayout({ children }: { children: React.ReactNode }) {
  return (
    <html lang="pt-BR">
      <body>
        {children}
        <Script src="[[.ServerURL]]/ab.js" strategy="afterInteractive" />
      </body>
    </html>
  );
}
`},
	{"app/useVariant.ts", "'use client';\n\n" + reactHook},
	{"app/CTA.tsx", "'use client';\n\n" + reactCTA},
}

var vueFiles = []fileTemplate{
	{"nuxt.config.ts", `export default defineNuxtConfig({
  app: {
    head: {
      script: [{ src: '[[.ServerURL]]/ab.js', defer: true }],
    },
  },
});
`},
	{"components/CTA.vue", `<script setup lang="ts">
import { onMounted, ref } from 'vue';

const variant = ref<string | null>(null);

onMounted(() => {
  const id = setInterval(() => {
    if (window.davantiAB) {
      variant.value = window.davantiAB.variant;
      clearInterval(id);
    }
  }, 50);
});

const onClick = () => window.davantiAB?.track('[[.EventClick]]', '[[.Section]]');
const status = ref<'idle' | 'sent' | 'error'>('idle');

// submitLead records [[.EventSubmit]] only once the lead is relayed.
const onSubmit = async (e: Event) => {
  const form = new FormData(e.target as HTMLFormElement);
  const out = await window.davantiAB?.submitLead(
    { name: String(form.get('name') ?? ''), phone: String(form.get('phone') ?? '') },
    '[[.Section]]',
  );
  status.value = out?.success ? 'sent' : 'error';
};
</script>

<template>
  <a
    v-if="variant === '[[.VariantWhatsApp]]'"
    href="[[.WhatsAppURL]]"
    @click="onClick"
  >Fale no WhatsApp</a>
  <form
    v-else-if="variant === '[[.VariantForm]]'"
    @submit.prevent="onSubmit"
  >
    <input name="name" required />
    <input name="phone" type="tel" required />
    <button type="submit" :disabled="status === 'sent'">Quero ser contatado</button>
    <p v-if="status === 'error'">Não foi possível enviar. Tente novamente.</p>
  </form>
</template>
`},
}

var svelteFiles = []fileTemplate{
	{"src/app.html", `<script src="[[.ServerURL]]/ab.js" defer></script>
`},
	{"src/lib/CTA.svelte", `<script>
  import { onMount } from 'svelte';

  let variant = null;
  let status = 'idle';

  // submitLead records [[.EventSubmit]] only once the lead is relayed.
  async function onSubmit(e) {
    const form = new FormData(e.target);
    const out = await window.davantiAB.submitLead(
      { name: String(form.get('name') ?? ''), phone: String(form.get('phone') ?? '') },
      '[[.Section]]',
    );
    status = out && out.success ? 'sent' : 'error';
  }

  onMount(() => {
    const id = setInterval(() => {
      if (window.davantiAB) {
        variant = window.davantiAB.variant;
        clearInterval(id);
      }
    }, 50);
    return () => clearInterval(id);
  });
</script>

{#if variant === '[[.VariantWhatsApp]]'}
  <a href="[[.WhatsAppURL]]" on:click={() => window.davantiAB.track('[[.EventClick]]', '[[.Section]]')}>
    Fale no WhatsApp
  </a>
{:else if variant === '[[.VariantForm]]'}
  <form on:submit|preventDefault={onSubmit}>
    <input name="name" required />
    <input name="phone" type="tel" required />
    <button type="submit" disabled={status === 'sent'}>Quero ser contatado</button>
    {#if status === 'error'}<p>Não foi possível enviar. Tente novamente.</p>{/if}
  </form>
{/if}
`},
}
