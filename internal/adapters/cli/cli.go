// Пакет cli — интерактивная консоль оператора. Сервис стартует фоном, читает
// команды из readline и управляет флотом исполнителей, клиентами и
// оперативными настройками. Start/Stop идемпотентны и корректно встраиваются
// в останов приложения.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Erykalkin/Seller-bot/internal/db"
	"github.com/Erykalkin/Seller-bot/internal/infra/logger"
	"github.com/Erykalkin/Seller-bot/internal/infra/pr"
	"github.com/Erykalkin/Seller-bot/internal/infra/settings"
	"github.com/Erykalkin/Seller-bot/internal/telegram/pool"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "executors", description: "List executors with status and load"},
	{name: "executor add <name> <phone> <api_id> <api_hash>", description: "Interactive login of a new executor"},
	{name: "executor reload <id|name>", description: "Re-issue the session of an executor"},
	{name: "executor delete <id|name>", description: "Remove an executor from the fleet"},
	{name: "user <id>", description: "Print a prospect card"},
	{name: "user add <id> [link]", description: "Add a prospect and hydrate its card"},
	{name: "user forget <id>", description: "Reset a prospect's conversation state"},
	{name: "user delete <id>", description: "Remove a prospect"},
	{name: "get [key]", description: "Print runtime settings"},
	{name: "set <key> <value>", description: "Change a runtime setting"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI. Имеет собственный cancel, запускает цикл чтения
// команд в отдельной горутине и синхронно закрывается через Stop().
type Service struct {
	pool     *pool.Pool
	settings *settings.Store
	stopApp  context.CancelFunc

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт CLI-сервис. stopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(p *pool.Pool, st *settings.Store, stopApp context.CancelFunc) *Service {
	return &Service{pool: p, settings: st, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения, прерывает
// readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI: подсказки, обработчики клавиш,
// построчное чтение команд.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Press '?' or type 'help' for available commands.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	pr.Println("Available commands:")
	for _, d := range commandDescriptors {
		pr.Println(fmt.Sprintf("  %-42s - %s", d.name, d.description))
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее
// действие. Возвращает true, если команда инициирует завершение CLI.
func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "help":
		printCommandHelp()
	case "executors":
		s.listExecutors(ctx)
	case "executor":
		s.handleExecutor(ctx, fields[1:])
	case "user":
		s.handleUser(ctx, fields[1:])
	case "get":
		s.handleGet(fields[1:])
	case "set":
		s.handleSet(fields[1:])
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// listExecutors печатает флот: имя, id, статус, нагрузку и порт прокси.
func (s *Service) listExecutors(ctx context.Context) {
	executors, err := s.pool.Store().Executors().List(ctx)
	if err != nil {
		pr.ErrPrintln("list executors error:", err)
		return
	}
	if len(executors) == 0 {
		pr.Println("No executors registered.")
		return
	}
	for _, e := range executors {
		port := "-"
		if e.ProxyPort != nil {
			port = strconv.Itoa(*e.ProxyPort)
		}
		sleeping := ""
		if s.pool.Fabric().Sleeping(e.ExecutorID) {
			sleeping = " [sleeping]"
		}
		pr.Printf("%-20s id=%-12d status=%-22s active=%-4d port=%s%s\n",
			e.Name, e.ExecutorID, e.Status, e.ActiveUsers, port, sleeping)
	}
	pr.Printf("Total executors: %d\n", len(executors))
}

// handleExecutor — подкоманды управления флотом: add, reload, delete.
func (s *Service) handleExecutor(ctx context.Context, args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: executor add|reload|delete ...")
		return
	}
	switch args[0] {
	case "add":
		if len(args) != 5 {
			pr.ErrPrintln("usage: executor add <name> <phone> <api_id> <api_hash>")
			return
		}
		apiID, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			pr.ErrPrintln("api_id must be an integer")
			return
		}
		id, err := s.pool.AddExecutor(ctx, pool.ExecutorSpec{
			Name:    args[1],
			Phone:   args[2],
			APIID:   apiID,
			APIHash: args[4],
		})
		if err != nil {
			pr.ErrPrintln("executor add error:", err)
			return
		}
		pr.Printf("Executor %s added, id=%d\n", args[1], id)

	case "reload":
		if len(args) != 2 {
			pr.ErrPrintln("usage: executor reload <id|name>")
			return
		}
		id, err := s.resolveExecutor(ctx, args[1])
		if err != nil {
			pr.ErrPrintln("executor reload error:", err)
			return
		}
		if err := s.pool.ReloadExecutor(ctx, id); err != nil {
			pr.ErrPrintln("executor reload error:", err)
			return
		}
		pr.Printf("Executor %d session re-issued.\n", id)

	case "delete":
		if len(args) != 2 {
			pr.ErrPrintln("usage: executor delete <id|name>")
			return
		}
		id, _ := strconv.ParseInt(args[1], 10, 64)
		name := ""
		if id == 0 {
			name = args[1]
		}
		if err := s.pool.DeleteExecutor(ctx, id, name); err != nil {
			pr.ErrPrintln("executor delete error:", err)
			return
		}
		pr.Println("Executor deleted.")

	default:
		pr.ErrPrintln("usage: executor add|reload|delete ...")
	}
}

// resolveExecutor принимает id либо имя и возвращает executor_id.
func (s *Service) resolveExecutor(ctx context.Context, arg string) (int64, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	ex, err := s.pool.Store().Executors().GetByName(ctx, arg)
	if err != nil {
		return 0, err
	}
	return ex.ExecutorID, nil
}

// handleUser — подкоманды работы с клиентами: карточка, add, forget, delete.
func (s *Service) handleUser(ctx context.Context, args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: user <id> | user add|forget|delete ...")
		return
	}

	users := s.pool.Store().Users()

	// user <id> — печать карточки.
	if id, err := strconv.ParseInt(args[0], 10, 64); err == nil && len(args) == 1 {
		u, err := users.Get(ctx, id)
		if err != nil {
			pr.ErrPrintln("user error:", err)
			return
		}
		printUser(u)
		return
	}

	switch args[0] {
	case "add":
		if len(args) < 2 || len(args) > 3 {
			pr.ErrPrintln("usage: user add <id> [link]")
			return
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			pr.ErrPrintln("user id must be an integer")
			return
		}
		link := ""
		if len(args) == 3 {
			link = args[2]
		}
		executorID, err := s.pool.AddUser(ctx, db.User{UserID: id}, link)
		if err != nil {
			pr.ErrPrintln("user add error:", err)
			return
		}
		pr.Printf("User %d added, executor=%d\n", id, executorID)

	case "forget":
		if len(args) != 2 {
			pr.ErrPrintln("usage: user forget <id>")
			return
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			pr.ErrPrintln("user id must be an integer")
			return
		}
		if err := users.Forget(ctx, id); err != nil {
			pr.ErrPrintln("user forget error:", err)
			return
		}
		pr.Printf("User %d conversation state reset.\n", id)

	case "delete":
		if len(args) != 2 {
			pr.ErrPrintln("usage: user delete <id>")
			return
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			pr.ErrPrintln("user id must be an integer")
			return
		}
		ok, err := users.Delete(ctx, id)
		if err != nil {
			pr.ErrPrintln("user delete error:", err)
			return
		}
		if !ok {
			pr.Println("User not found.")
			return
		}
		pr.Printf("User %d deleted.\n", id)

	default:
		pr.ErrPrintln("usage: user <id> | user add|forget|delete ...")
	}
}

// printUser печатает карточку клиента.
func printUser(u db.User) {
	pr.Printf("user_id=%d\n", u.UserID)
	if u.ExecutorID != nil {
		pr.Printf("executor_id=%d\n", *u.ExecutorID)
	}
	if u.Username != nil {
		pr.Printf("username=%s\n", *u.Username)
	}
	if u.DisplayName != nil {
		pr.Printf("name=%s\n", *u.DisplayName)
	}
	if u.Phone != nil {
		pr.Printf("phone=%s\n", *u.Phone)
	}
	pr.Printf("contact=%t banned=%t crm=%t problem=%t problems_count=%d\n",
		u.Contact, u.Banned, u.CRM, u.Problem, u.ProblemsCount)
	if u.Summary != nil && *u.Summary != "" {
		pr.Printf("summary: %s\n", *u.Summary)
	}
}

// handleGet печатает текущие оперативные настройки (все или одну).
func (s *Service) handleGet(args []string) {
	snapshot := s.settings.Get()
	pairs := map[string]any{
		"BUFFER_TIME":        snapshot.BufferTime,
		"DELAY":              snapshot.Delay,
		"TYPING_DELAY":       snapshot.TypingDelay,
		"INACTIVITY_TIMEOUT": snapshot.InactivityTimeout,
		"GREET_PERIOD":       snapshot.GreetPeriod,
		"UPDATE_BD_PERIOD":   snapshot.UpdateDBPeriod,
		"FLOOD_WAIT":         snapshot.FloodWait,
		"TIMEZONE":           snapshot.Timezone,
		"MORNING":            snapshot.Morning,
		"NIGHT":              snapshot.Night,
		"SECOND_GREET":       snapshot.SecondGreet,
	}
	if len(args) == 1 {
		key := strings.ToUpper(args[0])
		value, ok := pairs[key]
		if !ok {
			pr.ErrPrintln("unknown setting:", args[0])
			return
		}
		pr.Printf("%s = %v\n", key, value)
		return
	}
	for _, key := range settings.Keys() {
		pr.Printf("%-18s = %v\n", key, pairs[key])
	}
}

// handleSet изменяет одну настройку: валидация и атомарная запись — в Store.
func (s *Service) handleSet(args []string) {
	if len(args) != 2 {
		pr.ErrPrintln("usage: set <key> <value>")
		return
	}
	key := strings.ToUpper(args[0])
	raw := args[1]

	var value any
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		value = b
	} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
		value = f
	} else {
		value = raw
	}

	if _, err := s.settings.Set(key, value); err != nil {
		pr.ErrPrintln("set error:", err)
		return
	}
	pr.Printf("%s = %s\n", key, raw)
}
