package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/notifylink/internal/broadcast"
	"github.com/hitoshi/notifylink/internal/config"
)

// Command はサブコマンドの種類を表す。
type Command string

const (
	// CommandServe はAPIサーバーモード。引数なしの場合もこれで起動する。
	CommandServe Command = "serve"
	// CommandWorker は保持期間ジョブを実行するワーカーモード。
	CommandWorker Command = "worker"
	// CommandMigrate はDBマイグレーションを実行するモード。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はDockerヘルスチェック用の軽量モード。
	CommandHealthcheck Command = "healthcheck"
	// CommandBroadcast はCLIから1件のメッセージを配信するモード。
	CommandBroadcast Command = "broadcast"
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。ログはwに、broadcastの集計結果は標準出力に書き出す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// NewRootCommand はnotifylinkのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "notifylink",
		Short: "LINE LoginとLINE Notifyを連携し、登録者へ一斉配信するサービス",
		// エラーはmainで出力するため、cobraによる使い方の表示は抑止する
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfig(w, CommandServe, runServe)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "APIサーバーを起動する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withConfig(w, CommandServe, runServe)
			},
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "保持期間を過ぎたメッセージを定期的に削除する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withConfig(w, CommandWorker, runWorker)
			},
		},
		newMigrateCommand(w),
		newHealthcheckCommand(),
		newBroadcastCommand(w),
	)

	return root
}

// newMigrateCommand はmigrateサブコマンドを生成する。
func newMigrateCommand(w io.Writer) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if down < 0 {
				return fmt.Errorf("--down must not be negative: %d", down)
			}
			return withConfig(w, CommandMigrate, func(cfg *config.Config, log *slog.Logger) error {
				return runMigrate(cfg, log, down)
			})
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "直近のマイグレーションを指定件数だけ戻す")
	return cmd
}

// newHealthcheckCommand はhealthcheckサブコマンドを生成する。
// 軽量サブコマンドのため、設定の読み込みとログの初期化は行わない。
func newHealthcheckCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "稼働中のAPIサーバーの/healthを確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(port)
		},
	}
	cmd.Flags().StringVar(&port, "port", defaultPort(), "APIサーバーのポート（既定値はSERVER_PORT）")
	return cmd
}

func defaultPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}

// newBroadcastCommand はbroadcastサブコマンドを生成する。
// スタンプはパッケージIDとスタンプIDの両方を指定した場合のみ送信される。
func newBroadcastCommand(w io.Writer) *cobra.Command {
	var stickerPackageID, stickerID int64
	cmd := &cobra.Command{
		Use:   string(CommandBroadcast) + " <message>",
		Short: "通知連携済みの全員にメッセージを配信する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := broadcast.Request{Text: args[0]}
			if cmd.Flags().Changed("sticker-package-id") {
				req.StickerPackageID = &stickerPackageID
			}
			if cmd.Flags().Changed("sticker-id") {
				req.StickerID = &stickerID
			}
			return withConfig(w, CommandBroadcast, func(cfg *config.Config, log *slog.Logger) error {
				return runBroadcast(cmd.Context(), cfg, log, cmd.OutOrStdout(), req)
			})
		},
	}
	cmd.Flags().Int64Var(&stickerPackageID, "sticker-package-id", 0, "スタンプのパッケージID")
	cmd.Flags().Int64Var(&stickerID, "sticker-id", 0, "スタンプID")
	return cmd
}

// withConfig は設定とロガーを初期化してからfnを実行する。
func withConfig(w io.Writer, command Command, fn func(cfg *config.Config, log *slog.Logger) error) error {
	cfg, log, err := Init(w)
	if err != nil {
		slog.Error("initialization failed", slog.String("error", err.Error()))
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(command)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)
	return fn(cfg, log)
}
