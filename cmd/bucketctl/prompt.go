package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/damacus/datalab-buckets/internal/upload"
)

// linePrompter asks upload questions on the terminal, one line per answer.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

func (p *linePrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *linePrompter) ConfirmLimits(_ context.Context, l upload.Limits) (bool, error) {
	fmt.Fprintf(p.out, "%s Continue with the rest? [y/N] ", l.Message())
	answer, err := p.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// ResolveConflict reads r or s. Upper case applies the answer to every
// remaining conflict.
func (p *linePrompter) ResolveConflict(_ context.Context, name string) (upload.Decision, error) {
	for {
		fmt.Fprintf(p.out, "%q already exists. [r]eplace or [s]kip (R/S for all): ", name)
		answer, err := p.readLine()
		if err != nil {
			return upload.Decision{}, err
		}
		switch answer {
		case "r", "replace":
			return upload.Decision{Action: upload.Replace}, nil
		case "s", "skip":
			return upload.Decision{Action: upload.Skip}, nil
		case "R":
			return upload.Decision{Action: upload.Replace, ApplyToAll: true}, nil
		case "S":
			return upload.Decision{Action: upload.Skip, ApplyToAll: true}, nil
		}
	}
}

// presetPrompter builds the non-interactive answers from flags. An empty
// onConflict leaves conflicts undecided.
func presetPrompter(yes bool, onConflict string) (upload.PresetPrompter, error) {
	p := upload.PresetPrompter{AcceptLimits: &yes}
	if onConflict == "" {
		return p, nil
	}
	action, err := upload.ParseAction(onConflict)
	if err != nil {
		return p, err
	}
	p.All = &upload.Decision{Action: action, ApplyToAll: true}
	return p, nil
}
