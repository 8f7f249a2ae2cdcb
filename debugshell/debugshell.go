/*
 * Copyright 2025 Ted Dunning
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package debugshell implements a tiny operator console, read one line at a
// time off whatever io.Reader the board's USB-CDC or UART console is bound
// to, tokenized with a shell-like lexer so quoted arguments behave the way
// an operator expects.
package debugshell

import (
	"bufio"
	"fmt"
	"io"

	"github.com/google/shlex"
)

// Command is one registered console command. args excludes the command
// name itself.
type Command func(args []string) string

// Shell dispatches whitespace/quote-tokenized input lines to registered
// commands and writes their output back out.
type Shell struct {
	out      io.Writer
	commands map[string]Command
}

// New constructs an empty Shell writing responses to out.
func New(out io.Writer) *Shell {
	return &Shell{out: out, commands: make(map[string]Command)}
}

// Register binds name to fn. Registering the same name twice replaces the
// earlier binding.
func (s *Shell) Register(name string, fn Command) {
	s.commands[name] = fn
}

// RunLine tokenizes and dispatches a single input line, writing the
// command's response (or an error message for a bad parse / unknown
// command) to the shell's output.
func (s *Shell) RunLine(line string) {
	fields, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(s.out, "parse error: %v\n", err)
		return
	}
	if len(fields) == 0 {
		return
	}
	cmd, ok := s.commands[fields[0]]
	if !ok {
		fmt.Fprintf(s.out, "unknown command: %s\n", fields[0])
		return
	}
	fmt.Fprintln(s.out, cmd(fields[1:]))
}

// Run reads lines from in until EOF or a read error, dispatching each
// through RunLine. It blocks; callers run it on its own goroutine/task.
func (s *Shell) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		s.RunLine(scanner.Text())
	}
	return scanner.Err()
}
