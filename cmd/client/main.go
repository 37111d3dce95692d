// Package main は認証APIを対話的に試すためのCLIクライアントです。
// ログイン→ユーザー取得の一連の流れをクライアントセッション越しに実行します。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/yourusername/team-board/internal/client"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "APIサーバーのベースURL")
		email    = flag.String("email", "", "ログインするメールアドレス")
		password = flag.String("password", "", "ログインするパスワード")
		logout   = flag.Bool("logout", false, "終了前にログアウトする")
		snapshot = flag.String("snapshot", "", "ユーザースナップショットの保存先（省略時は既定パス）")
	)
	flag.Parse()

	snapshotPath := *snapshot
	if snapshotPath == "" {
		path, err := client.DefaultSnapshotPath()
		if err != nil {
			log.Fatalf("Failed to resolve snapshot path: %v", err)
		}
		snapshotPath = path
	}

	session, err := client.NewSession(client.Options{
		BaseURL:   *server,
		Snapshots: client.NewFileSnapshot(snapshotPath),
		Navigator: client.NavigatorFunc(func(routeName string) {
			fmt.Printf("-> navigate: %s\n", routeName)
		}),
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	// 前回のスナップショットがあれば先に復元して表示する
	session.RestoreUser()
	if user := session.User(); user != nil {
		fmt.Printf("cached user: %s <%s>\n", user.Name, user.Email)
	}

	ctx := context.Background()

	if *email != "" {
		if err := session.Login(ctx, client.Credential{Email: *email, Password: *password}); err != nil {
			for field, messages := range session.Errors() {
				for _, msg := range messages {
					fmt.Fprintf(os.Stderr, "%s: %s\n", field, msg)
				}
			}
			os.Exit(1)
		}
	}

	if err := session.FetchUser(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "not authenticated")
		os.Exit(1)
	}
	if user := session.User(); user != nil {
		fmt.Printf("user: %s <%s> (id=%s)\n", user.Name, user.Email, user.ID)
	}

	if *logout {
		session.Logout(ctx)
		fmt.Println("logged out")
	}
}
