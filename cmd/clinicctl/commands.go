package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/nao1215/vetclinic/pkg/apiclient"
	"github.com/nao1215/vetclinic/pkg/credstore"
)

type command func(ctx context.Context, a *app, args []string) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"login":   runLogin,
		"logout":  runLogout,
		"status":  runStatus,
		"get":     requestCommand(http.MethodGet),
		"post":    requestCommand(http.MethodPost),
		"put":     requestCommand(http.MethodPut),
		"delete":  requestCommand(http.MethodDelete),
		"media":   runMedia,
		"clinic":  runClinic,
		"storage": runStorage,
		"locale":  runLocale,
		"shell":   runShell,
	}
}

var errUnknownCommand = errors.New("不明なコマンドです")

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(a.stderr, usage)
		return fmt.Errorf("%w: %s", errUnknownCommand, args[0])
	}
	return cmd(ctx, a, args[1:])
}

// newFlagSet はサブコマンド用のFlagSetを生成する。
func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// parseWithPath は先頭のパス引数とその後ろのフラグを解析する。
func parseWithPath(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", fmt.Errorf("%s: パスを指定してください", fs.Name())
	}
	if err := fs.Parse(args[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("%s: 余分な引数があります: %v", fs.Name(), fs.Args())
	}
	return args[0], nil
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := a.newFlagSet("login")
	email := fs.String("email", "", "メールアドレス")
	password := fs.String("password", os.Getenv("VETCLINIC_PASSWORD"), "パスワード（未指定時はVETCLINIC_PASSWORD）")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("login: -email と -password を指定してください")
	}

	a.nav.atLogin.Store(true)
	defer a.nav.atLogin.Store(false)

	session, err := a.client.Login(ctx, apiclient.LoginRequest{Email: *email, Password: *password})
	if err != nil {
		// ログインの失敗は通知されないため、ここで文言を表示する
		return fmt.Errorf("ログインに失敗しました: %v", err)
	}
	if session.Organization != "" {
		fmt.Fprintf(a.stdout, "ログインしました (organization %s)\n", session.Organization)
		return nil
	}
	fmt.Fprintln(a.stdout, "ログインしました")
	return nil
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "ログアウトしました")
	return nil
}

func runStatus(ctx context.Context, a *app, _ []string) error {
	token, err := a.creds.Token(ctx)
	if err != nil {
		return err
	}
	org, err := a.creds.Organization(ctx)
	if err != nil {
		return err
	}
	locale, err := a.creds.Locale(ctx)
	if err != nil {
		return err
	}

	state := "未ログイン"
	if token != "" {
		state = "ログイン中"
	}
	fmt.Fprintf(a.stdout, "session:      %s\n", state)
	fmt.Fprintf(a.stdout, "organization: %s\n", orNone(org))
	fmt.Fprintf(a.stdout, "clinic:       %s\n", a.clinicText(ctx))
	fmt.Fprintf(a.stdout, "storage:      %s\n", a.storageText(ctx))
	fmt.Fprintf(a.stdout, "locale:       %s\n", orNone(locale))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// queryFlag は -q key=value を繰り返し受け取るフラグ。
type queryFlag url.Values

func (q queryFlag) String() string { return url.Values(q).Encode() }

func (q queryFlag) Set(v string) error {
	key, val, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("key=value の形式で指定してください: %q", v)
	}
	url.Values(q).Add(key, val)
	return nil
}

// requestCommand はJSONリクエストを送るコマンドを返す。
func requestCommand(method string) command {
	return func(ctx context.Context, a *app, args []string) error {
		fs := a.newFlagSet(strings.ToLower(method))
		query := queryFlag{}
		fs.Var(query, "q", "クエリパラメータ key=value（繰り返し指定可）")
		var data *string
		if method == http.MethodPost || method == http.MethodPut {
			data = fs.String("d", "", "JSONボディ。@FILEでファイル、-で標準入力から読む")
		}
		p, err := parseWithPath(fs, args)
		if err != nil {
			return err
		}

		req := apiclient.Request{Method: method, Path: p, Query: url.Values(query)}
		if data != nil && *data != "" {
			body, err := a.readBody(*data)
			if err != nil {
				return err
			}
			req.Body = json.RawMessage(body)
		}

		resp, err := a.client.Do(ctx, req)
		if err != nil {
			return err
		}
		return writeBody(a.stdout, resp.Body)
	}
}

// readBody は -d の値からリクエストボディを読み込む。
func (a *app) readBody(v string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch {
	case v == "-":
		body, err = io.ReadAll(a.stdin)
	case strings.HasPrefix(v, "@"):
		body, err = os.ReadFile(strings.TrimPrefix(v, "@"))
	default:
		body = []byte(v)
	}
	if err != nil {
		return nil, fmt.Errorf("ボディの読み込みに失敗: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("ボディがJSONとして不正です")
	}
	return body, nil
}

// writeBody はJSONなら整形して、それ以外はそのまま書き出す。
func writeBody(w io.Writer, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func runMedia(ctx context.Context, a *app, args []string) error {
	fs := a.newFlagSet("media")
	out := fs.String("o", "", "保存先ファイル。-で標準出力。未指定時はパスの末尾の名前")
	p, err := parseWithPath(fs, args)
	if err != nil {
		return err
	}

	m, err := a.client.FetchMedia(ctx, p)
	if err != nil {
		return err
	}

	dest := *out
	if dest == "" {
		dest = path.Base(p)
	}
	if dest == "-" {
		_, err := a.stdout.Write(m.Body)
		return err
	}
	if err := os.WriteFile(dest, m.Body, 0o644); err != nil {
		return fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}
	fmt.Fprintf(a.stdout, "%s に保存しました (%s, %d bytes)\n", dest, m.ContentType, len(m.Body))
	return nil
}

func (a *app) clinicText(ctx context.Context) string {
	sel, err := a.creds.Clinic(ctx)
	if err != nil {
		return "invalid"
	}
	if sel.IsAll() {
		return "all"
	}
	return orNone(sel.String())
}

func runClinic(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.stdout, a.clinicText(ctx))
		return nil
	}

	var sel credstore.ClinicSelection
	switch v := strings.ToLower(args[0]); v {
	case "none":
		sel = credstore.NoClinic()
	case "all":
		sel = credstore.AllClinics()
	default:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("clinic: all / none / 正の整数で指定してください: %q", args[0])
		}
		sel = credstore.Clinic(id)
	}
	if err := a.creds.SetClinic(ctx, sel); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, a.clinicText(ctx))
	return nil
}

func (a *app) storageText(ctx context.Context) string {
	id, ok, err := a.creds.Storage(ctx)
	switch {
	case err != nil:
		return "invalid"
	case !ok:
		return "none"
	default:
		return strconv.FormatInt(id, 10)
	}
}

func runStorage(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.stdout, a.storageText(ctx))
		return nil
	}

	var id int64
	if !strings.EqualFold(args[0], "none") {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("storage: none / 正の整数で指定してください: %q", args[0])
		}
		id = n
	}
	if err := a.creds.SetStorage(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, a.storageText(ctx))
	return nil
}

func runLocale(ctx context.Context, a *app, args []string) error {
	if len(args) > 0 {
		if err := a.creds.SetLocale(ctx, args[0]); err != nil {
			return err
		}
	}
	locale, err := a.creds.Locale(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, orNone(locale))
	return nil
}

// runShell は標準入力の各行をコマンドとして実行する。
// リフレッシュ用のクッキーはプロセス内にしか残らないため、長い作業はshellで行う。
func runShell(ctx context.Context, a *app, _ []string) error {
	sc := bufio.NewScanner(a.stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "shell":
			fmt.Fprintln(a.stderr, "shellは入れ子にできません")
			continue
		}
		if err := a.dispatch(ctx, fields); err != nil {
			a.report(err)
		}
	}
	return sc.Err()
}
