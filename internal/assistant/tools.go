package assistant

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"unicode"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/Erykalkin/Seller-bot/internal/crm"
	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
)

// toolOutputSuffix дописывается к результату каждого инструмента: модель должна
// понимать, что это служебное сообщение, а не реплика клиента.
const toolOutputSuffix = " Пользователь не видит это сообщение! SEND=False"

// Toolset — функции, которые ассистент вызывает по ходу диалога. Все мутации
// идут в таблицу users; согласие клиента дополнительно уходит в CRM.
type Toolset struct {
	links map[string]any
	users *db.UsersRepo
	crm   *crm.Client
}

// NewToolset загружает справочник ссылок и связывает инструменты с БД и CRM.
// crmClient может быть nil, если интеграция не настроена.
func NewToolset(linksFile string, users *db.UsersRepo, crmClient *crm.Client) (*Toolset, error) {
	data, err := os.ReadFile(linksFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read links file %s", linksFile)
	}
	var links map[string]any
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, errors.Wrapf(err, "parse links file %s", linksFile)
	}
	return &Toolset{links: links, users: users, crm: crmClient}, nil
}

// Dispatch выполняет инструмент по имени. Результат всегда строка: её ассистент
// получает как function_call_output. Неизвестное имя и ошибки аргументов не
// роняют диалог, модель получает текст ошибки.
func (t *Toolset) Dispatch(ctx context.Context, userID int64, name, rawArgs string) string {
	var args map[string]any
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			logger.Warn("tool arguments are not valid JSON",
				zap.String("tool", name), zap.Int64("user_id", userID), zap.Error(err))
			return "tool output: ошибка разбора аргументов." + toolOutputSuffix
		}
	}

	var out string
	switch name {
	case "get_link":
		out = t.getLink(stringSlice(args["keys"]))
	case "save_user_phone":
		out = t.savePhone(ctx, userID, stringArg(args, "phone"))
	case "save_user_name":
		out = t.saveName(ctx, userID, stringArg(args, "name"))
	case "ban_user":
		out = t.banUser(ctx, userID)
	case "process_user_agreement":
		out = t.processAgreement(ctx, userID, stringArg(args, "summary"))
	default:
		logger.Warn("unknown tool requested", zap.String("tool", name), zap.Int64("user_id", userID))
		return ""
	}
	return "tool output: " + out + toolOutputSuffix
}

// getLink спускается по вложенному справочнику links.json по цепочке ключей.
func (t *Toolset) getLink(keys []string) string {
	var current any = t.links
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return "Ссылка не найдена"
		}
		current, ok = m[key]
		if !ok {
			return "Ссылка не найдена"
		}
	}
	if s, ok := current.(string); ok {
		return s
	}
	return "Ссылка не найдена"
}

func (t *Toolset) savePhone(ctx context.Context, userID int64, phone string) string {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return "Телефон не распознан: " + err.Error()
	}
	if err := t.users.UpdateParam(ctx, userID, "phone", normalized); err != nil {
		logger.Warn("save phone failed", zap.Int64("user_id", userID), zap.Error(err))
		return "Не удалось сохранить телефон."
	}
	return "Телефон сохранён."
}

func (t *Toolset) saveName(ctx context.Context, userID int64, name string) string {
	if strings.TrimSpace(name) == "" {
		return "Имя пустое, не сохранено."
	}
	if err := t.users.UpdateParam(ctx, userID, "display_name", strings.TrimSpace(name)); err != nil {
		logger.Warn("save name failed", zap.Int64("user_id", userID), zap.Error(err))
		return "Не удалось сохранить имя."
	}
	return "Имя сохранено."
}

func (t *Toolset) banUser(ctx context.Context, userID int64) string {
	if err := t.users.UpdateParam(ctx, userID, "banned", true); err != nil {
		logger.Warn("ban user failed", zap.Int64("user_id", userID), zap.Error(err))
		return "Не удалось заблокировать пользователя."
	}
	return "Пользователь заблокирован."
}

// processAgreement фиксирует согласие: сохраняет сводку, отправляет лид в CRM
// и помечает клиента как переданного менеджерам.
func (t *Toolset) processAgreement(ctx context.Context, userID int64, summary string) string {
	if err := t.users.UpdateParam(ctx, userID, "summary", summary); err != nil {
		logger.Warn("save summary failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	user, err := t.users.Get(ctx, userID)
	if err != nil {
		logger.Warn("load user for crm failed", zap.Int64("user_id", userID), zap.Error(err))
		return "Сводка сохранена, но передать в CRM не удалось."
	}

	if t.crm == nil || !t.crm.Enabled() {
		return "Пользователь отмечен как согласный; CRM не настроена."
	}

	lead := crm.Lead{Note: summary}
	if user.Username != nil {
		lead.Telegram = *user.Username
	}
	if user.Phone != nil {
		lead.Phone = *user.Phone
	}
	if user.DisplayName != nil && *user.DisplayName != "" {
		lead.Name = *user.DisplayName
	} else {
		lead.Name = lead.Telegram
	}

	if err := t.crm.Submit(ctx, lead); err != nil {
		logger.Warn("crm submit failed", zap.Int64("user_id", userID), zap.Error(err))
		return "Сводка сохранена, но передать в CRM не удалось."
	}
	if err := t.users.UpdateParam(ctx, userID, "crm", true); err != nil {
		logger.Warn("mark crm failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	return "Пользователь отмечен как согласный, данные отправлены в CRM."
}

// NormalizePhone приводит телефон к виду +7XXXXXXXXXX. Принимаются номера из
// 11 цифр с ведущей 7 или 8 и номера из 10 цифр (без кода страны).
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case len(d) == 11 && (d[0] == '7' || d[0] == '8'):
		return "+7" + d[1:], nil
	case len(d) == 10:
		return "+7" + d, nil
	default:
		return "", errors.Errorf("ожидается 10 или 11 цифр, получено %d", len(d))
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
