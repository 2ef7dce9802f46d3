// Copyright 2016 Ross Light
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// kdbx inspects, creates and serves KeePass 2.x (KDBX 3.1) databases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zombiezen.com/go/kdbx/pkg/credentials"
	"zombiezen.com/go/kdbx/pkg/kdbx"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kdbx:", describeError(err))
		os.Exit(exitCode(err))
	}
}

// describeError returns the message printed for a failed command.
func describeError(err error) string {
	if kdbx.IsAuthFailure(err) {
		return authFailureMessage
	}
	if msg := userErrorMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}

// app is the state shared by the commands of one invocation.
type app struct {
	cfg    *config
	log    *logrus.Logger
	prompt *prompter
}

func newRootCommand() *cobra.Command {
	a := new(app)
	root := &cobra.Command{
		Use:           "kdbx [flags] command",
		Short:         "Inspect, create and serve KeePass 2.x databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = cfg.newLogger(cmd)
			a.prompt = newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "path to a configuration file (any format viper reads)")
	pf.String("log-level", "info", "log level: trace, debug, info, warn or error")
	pf.Bool("log-json", false, "write logs as JSON")
	pf.Bool("password-stdin", false, "read the password from the first line of standard input")
	pf.Bool("no-password", false, "do not use a password, only the key file")
	pf.String("keyfile", "", "path to a key file")
	pf.Bool("software-transform", false, "transform the key on a single goroutine")

	root.AddCommand(
		a.headerCommand(),
		a.dumpCommand(),
		a.lsCommand(),
		a.showCommand(),
		a.searchCommand(),
		a.createCommand(),
		a.passwdCommand(),
		a.pwgenCommand(),
		a.serveCommand(),
	)
	return root
}

// credentials reads the credentials that unlock an existing database.
func (a *app) credentials() (*credentials.Set, error) {
	return a.prompt.read(credentialSource{
		password:   a.cfg.Password,
		noPassword: a.cfg.NoPassword,
		stdin:      a.cfg.PasswordStdin,
		keyfile:    a.cfg.Keyfile,
		prompt:     "Password: ",
	})
}

// open reads and decrypts the database at path.
func (a *app) open(ctx context.Context, path string) (*kdbx.Database, *credentials.Set, error) {
	data, err := newStorage(path).read()
	if err != nil {
		return nil, nil, err
	}
	creds, err := a.credentials()
	if err != nil {
		return nil, nil, err
	}
	db, err := kdbx.Load(ctx, data, creds, a.cfg.dbOptions(a.log))
	if err != nil {
		return nil, nil, err
	}
	a.log.WithFields(logrus.Fields{"path": path, "bytes": len(data)}).Debug("opened database")
	return db, creds, nil
}

// save encrypts db and atomically replaces the file at path.
func (a *app) save(ctx context.Context, st *storage, db *kdbx.Database, creds *credentials.Set, create bool) error {
	data, err := db.Save(ctx, creds)
	if err != nil {
		return err
	}
	if create {
		err = st.create(data)
	} else {
		err = st.write(data)
	}
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"path": st.path, "bytes": len(data)}).Info("wrote database")
	return nil
}
