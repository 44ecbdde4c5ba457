package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"expense-ledger/internal/assistant"
	"expense-ledger/internal/config"
	"expense-ledger/internal/models"
	"expense-ledger/internal/session"
	"expense-ledger/internal/storage"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

const usage = `Usage: ledger <command> [flags]

Commands:
  signup   register an account (id and password rules apply)
  adduser  create an account without the sign-up rules
  deluser  delete an account and all of its transactions
  add      record an expense or income
  list     show transactions in the order they were added
  summary  show totals per category, income and net
  ask      chat with the money-saving assistant

Run "ledger <command> -h" for the flags of a command.`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	stdin  io.Reader
	lines  *bufio.Scanner
	stdout io.Writer
	cfg    *config.Config
	log    *logrus.Logger
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stdout, usage)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(logrus.WarnLevel)

	a := &app{stdin: stdin, lines: bufio.NewScanner(stdin), stdout: stdout, cfg: cfg, log: logger}

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "Path to database file (sqlite; default from DB_PATH)")

	switch cmd {
	case "signup":
		return a.signUp(fs, dbPath, rest)
	case "adduser":
		return a.addUser(fs, dbPath, rest)
	case "deluser":
		return a.deleteUser(fs, dbPath, rest)
	case "add":
		return a.add(fs, dbPath, rest)
	case "list":
		return a.list(fs, dbPath, rest)
	case "summary":
		return a.summary(fs, dbPath, rest)
	case "ask":
		return a.ask(fs, dbPath, rest)
	case "help", "-h", "-help", "--help":
		fmt.Fprintln(stdout, usage)
		return flag.ErrHelp
	default:
		fmt.Fprintln(stdout, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) openStore(dbPath string) (*storage.Store, error) {
	if a.cfg.DBDriver == "postgres" {
		dsn := storage.PostgresURL(a.cfg.DBHost, a.cfg.DBPort, a.cfg.DBUser, a.cfg.DBPassword, a.cfg.DBName, a.cfg.DBSSLMode)
		conn := storage.NewManager(storage.Postgres{}, storage.PostgresOpener(dsn), a.log, nil)
		if _, err := conn.Reconnect(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return storage.NewStore(conn, a.log, nil), nil
	}

	if dbPath == "" {
		dbPath = a.cfg.DBPath
	}
	db, err := storage.NewDB(dbPath, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// password returns the flag value or prompts for it.
func (a *app) password(value string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(a.stdout, "Password: ")
	password, err := readPassword(a.stdin, a.lines)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(a.stdout) // Print newline after password input
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}

func requireFlags(fs *flag.FlagSet, stdout io.Writer, names ...string) error {
	var missing []string
	for _, name := range names {
		if fs.Lookup(name).Value.String() == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	fmt.Fprintf(stdout, "Usage: ledger %s [flags]\n", fs.Name())
	fs.PrintDefaults()
	return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
}

func (a *app) signUp(fs *flag.FlagSet, dbPath *string, args []string) error {
	user := fs.String("user", "", "User id (letters and digits, at least 3)")
	name := fs.String("name", "", "Display name")
	passwordFlag := fs.String("password", "", "Password (optional, will prompt if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlags(fs, a.stdout, "user", "name"); err != nil {
		return err
	}
	password, err := a.password(*passwordFlag)
	if err != nil {
		return err
	}

	db, err := a.openStore(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := session.New(db, a.log, nil).SignUp(context.Background(), *user, *name, password)
	if errors.Is(err, models.ErrDuplicateUser) {
		return fmt.Errorf("user %s already exists", *user)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "User %s created successfully. Welcome, %s!\n", sess.UserID, sess.DisplayName)
	return nil
}

func (a *app) addUser(fs *flag.FlagSet, dbPath *string, args []string) error {
	user := fs.String("user", "", "User id")
	name := fs.String("name", "", "Display name (defaults to the user id)")
	passwordFlag := fs.String("password", "", "Password (optional, will prompt if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlags(fs, a.stdout, "user"); err != nil {
		return err
	}
	password, err := a.password(*passwordFlag)
	if err != nil {
		return err
	}
	if *name == "" {
		*name = *user
	}

	db, err := a.openStore(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.CreateUser(context.Background(), *user, password, *name)
	if errors.Is(err, models.ErrDuplicateUser) {
		return fmt.Errorf("user %s already exists", *user)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	fmt.Fprintf(a.stdout, "User %s created successfully\n", *user)
	return nil
}

func (a *app) deleteUser(fs *flag.FlagSet, dbPath *string, args []string) error {
	user := fs.String("user", "", "User id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlags(fs, a.stdout, "user"); err != nil {
		return err
	}

	db, err := a.openStore(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteUser(context.Background(), *user); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	fmt.Fprintf(a.stdout, "User %s and their transactions deleted\n", *user)
	return nil
}

// login parses the common user/password flags plus the required ones, opens
// the store and returns a logged-in session.
func (a *app) login(fs *flag.FlagSet, dbPath *string, args []string, required ...string) (*session.Manager, *models.Session, func(), error) {
	user := fs.Lookup("user").Value
	passwordFlag := fs.Lookup("password").Value
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if err := requireFlags(fs, a.stdout, append([]string{"user"}, required...)...); err != nil {
		return nil, nil, nil, err
	}
	password, err := a.password(passwordFlag.String())
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := a.openStore(*dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr := session.New(db, a.log, nil)
	sess, err := mgr.Login(context.Background(), user.String(), password)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return mgr, sess, func() { db.Close() }, nil
}

func loginFlags(fs *flag.FlagSet) {
	fs.String("user", "", "User id")
	fs.String("password", "", "Password (optional, will prompt if omitted)")
}

func (a *app) add(fs *flag.FlagSet, dbPath *string, args []string) error {
	loginFlags(fs)
	amount := fs.String("amount", "", "Amount, greater than zero")
	category := fs.String("category", "", "One of: Food & Dining, Transportation, Housing, Entertainment, Other, Income")
	date := fs.String("date", time.Now().Format(models.DateLayout), "Date as dd/mm/yyyy")
	comment := fs.String("comment", "", "Optional comment")

	mgr, sess, done, err := a.login(fs, dbPath, args, "amount", "category")
	if err != nil {
		return err
	}
	defer done()

	id, err := mgr.AddTransaction(context.Background(), sess, *amount, *date, *category, *comment)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Transaction %d added\n", id)
	return nil
}

func (a *app) list(fs *flag.FlagSet, dbPath *string, args []string) error {
	loginFlags(fs)
	mgr, sess, done, err := a.login(fs, dbPath, args)
	if err != nil {
		return err
	}
	defer done()

	txs, err := mgr.Transactions(context.Background(), sess)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Fprintln(a.stdout, "No transactions yet.")
		return nil
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tCATEGORY\tAMOUNT\tCOMMENT")
	for _, t := range txs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.DateText(), t.Category, t.Amount.StringFixed(2), t.Comment)
	}
	return tw.Flush()
}

func (a *app) summary(fs *flag.FlagSet, dbPath *string, args []string) error {
	loginFlags(fs)
	mgr, sess, done, err := a.login(fs, dbPath, args)
	if err != nil {
		return err
	}
	defer done()

	s, err := mgr.Summary(context.Background(), sess)
	if err != nil {
		return err
	}
	if s.IsEmpty() {
		fmt.Fprintln(a.stdout, "No transactions yet.")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, sh := range s.Distribution() {
		fmt.Fprintf(tw, "%s\t%s\t%.2f%%\t\n", sh.Category, sh.Amount.StringFixed(2), sh.Percentage)
	}
	fmt.Fprintf(tw, "Total expense\t%s\t\t\n", s.TotalExpense.StringFixed(2))
	fmt.Fprintf(tw, "Income\t%s\t\t\n", s.Income.StringFixed(2))
	fmt.Fprintf(tw, "Net\t%s\t\t\n", s.Net().StringFixed(2))
	return tw.Flush()
}

func (a *app) ask(fs *flag.FlagSet, dbPath *string, args []string) error {
	loginFlags(fs)
	prompt := fs.String("prompt", "", "Single question; omit to chat until end of input")
	_, _, done, err := a.login(fs, dbPath, args)
	if err != nil {
		return err
	}
	defer done()

	client, err := assistant.New(context.Background(), assistant.Config{APIKey: a.cfg.GeminiAPIKey, Model: a.cfg.AssistantModel}, a.log)
	if err != nil {
		return err
	}
	if !assistant.Enabled(client) {
		return &models.AssistantError{Reason: assistant.ReasonUnavailable}
	}
	return chat(context.Background(), assistant.NewConversation(client), *prompt, a.lines, a.stdout)
}

// chat sends prompt, or every line read from lines when prompt is empty.
// A failed turn is reported and the chat goes on.
func chat(ctx context.Context, conv *assistant.Conversation, prompt string, lines *bufio.Scanner, stdout io.Writer) error {
	if prompt != "" {
		reply, err := conv.Send(ctx, prompt)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "AI: %s\n", reply)
		return nil
	}

	fmt.Fprint(stdout, "You: ")
	for lines.Scan() {
		question := strings.TrimSpace(lines.Text())
		if question != "" {
			reply, err := conv.Send(ctx, question)
			if err != nil {
				fmt.Fprintf(stdout, "AI: Sorry, I couldn't process your request. (%v)\n", err)
			} else {
				fmt.Fprintf(stdout, "AI: %s\n\n", reply)
			}
		}
		fmt.Fprint(stdout, "You: ")
	}
	fmt.Fprintln(stdout)
	return lines.Err()
}

func readPassword(stdin io.Reader, lines *bufio.Scanner) (string, error) {
	// Check if stdin is a terminal
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytePassword, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(bytePassword), nil
	}

	// Fallback for non-terminal (e.g. tests, pipes)
	if lines.Scan() {
		return lines.Text(), nil
	}
	if err := lines.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
