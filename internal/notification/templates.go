package notification

import (
	"regexp"
	"strings"
)

// События, по которым сервис умеет собирать сообщение из шаблона.
// Проект может переопределить текст через bot_settings.message_settings.
const (
	EventBonusAwarded  = "bonus_awarded"
	EventBonusSpent    = "bonus_spent"
	EventBonusExpiring = "bonus_expiring"
	EventLevelUp       = "level_up"
	EventWelcome       = "welcome"
)

var defaultTemplates = map[string]string{
	EventBonusAwarded:  "🎉 Вам начислено {{amount}} бонусов!\n{{description}}",
	EventBonusSpent:    "💸 Списано {{amount}} бонусов.\n{{description}}",
	EventBonusExpiring: "⏰ Внимание! {{amount}} бонусов сгорят {{date}}. Успейте их потратить!",
	EventLevelUp:       "⭐ Поздравляем! Ваш новый уровень — {{level}}. Кэшбэк теперь {{percent}}%.",
	EventWelcome:       "Добро пожаловать в бонусную программу «{{project}}»!",
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderTemplate подставляет {{var}} из vars; неизвестные плейсхолдеры
// заменяются пустой строкой, чтобы пользователь не видел сырых скобок
func RenderTemplate(tpl string, vars map[string]string) string {
	rendered := placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		return vars[name]
	})
	return strings.TrimSpace(rendered)
}

// TemplateFor выбирает шаблон события: настройка проекта или дефолт
func TemplateFor(event string, overrides map[string]string) (string, bool) {
	if tpl, ok := overrides[event]; ok && strings.TrimSpace(tpl) != "" {
		return tpl, true
	}
	tpl, ok := defaultTemplates[event]
	return tpl, ok
}
