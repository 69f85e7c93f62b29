package notification

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Вам начислено {{amount}} бонусов!\n{{description}}", map[string]string{
		"amount":      "150.00",
		"description": "Бонус за покупку",
	})
	want := "Вам начислено 150.00 бонусов!\nБонус за покупку"
	if got != want {
		t.Errorf("RenderTemplate = %q, want %q", got, want)
	}
}

func TestRenderTemplateUnknownVar(t *testing.T) {
	got := RenderTemplate("Привет, {{name}}! {{missing}}", map[string]string{"name": "Иван"})
	if strings.Contains(got, "{{") || strings.Contains(got, "}}") {
		t.Errorf("raw placeholder leaked to output: %q", got)
	}
	if got != "Привет, Иван!" {
		t.Errorf("RenderTemplate = %q", got)
	}
}

func TestRenderTemplateSpacedPlaceholder(t *testing.T) {
	got := RenderTemplate("{{ amount }} бонусов", map[string]string{"amount": "5"})
	if got != "5 бонусов" {
		t.Errorf("RenderTemplate = %q", got)
	}
}

func TestTemplateForOverride(t *testing.T) {
	overrides := map[string]string{EventBonusAwarded: "Кастомный текст: {{amount}}"}

	tpl, ok := TemplateFor(EventBonusAwarded, overrides)
	if !ok || tpl != "Кастомный текст: {{amount}}" {
		t.Errorf("override not applied: %q", tpl)
	}

	tpl, ok = TemplateFor(EventBonusSpent, overrides)
	if !ok || tpl != defaultTemplates[EventBonusSpent] {
		t.Errorf("default template not returned: %q", tpl)
	}

	if _, ok := TemplateFor("no_such_event", nil); ok {
		t.Error("unknown event must report no template")
	}
}

func TestTemplateForBlankOverrideFallsBack(t *testing.T) {
	overrides := map[string]string{EventWelcome: "   "}
	tpl, ok := TemplateFor(EventWelcome, overrides)
	if !ok || tpl != defaultTemplates[EventWelcome] {
		t.Errorf("blank override must fall back to default, got %q", tpl)
	}
}
