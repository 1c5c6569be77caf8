package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/boatpi/boatpi/internal/session"
)

type inputKind int

const (
	inputNone inputKind = iota
	inputAuth
	inputCommand
	inputState
	inputQuit
)

type input struct {
	kind     inputKind
	username string
	password string
	command  session.Command
}

var errUsage = errors.New("usage: auth <user> <password> | power <n> | wheel <n> | {json} | state | quit")

// parseLine turns one line typed by the captain into an input.
func parseLine(line string) (input, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return input{kind: inputNone}, nil
	}

	if strings.HasPrefix(line, "{") {
		dec := json.NewDecoder(bytes.NewReader([]byte(line)))
		dec.UseNumber()
		var cmd session.Command
		if err := dec.Decode(&cmd); err != nil {
			return input{}, fmt.Errorf("invalid command json: %w", err)
		}
		return input{kind: inputCommand, command: cmd}, nil
	}

	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "auth", "login":
		if len(fields) != 3 {
			return input{}, errUsage
		}
		return input{kind: inputAuth, username: fields[1], password: fields[2]}, nil
	case "power", "wheel":
		if len(fields) != 2 {
			return input{}, errUsage
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return input{}, fmt.Errorf("%s: %w", fields[0], err)
		}
		return input{kind: inputCommand, command: session.Command{strings.ToLower(fields[0]): v}}, nil
	case "state", "status":
		return input{kind: inputState}, nil
	case "quit", "exit":
		return input{kind: inputQuit}, nil
	default:
		return input{}, errUsage
	}
}
