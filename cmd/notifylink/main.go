// Command notifylink はLINE LoginとLINE Notifyの連携、および一斉配信を提供するサーバー。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/notifylink/internal/app"
)

func main() {
	if err := app.Run(os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
