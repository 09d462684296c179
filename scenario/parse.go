package scenario

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/shlex"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"gopkg.in/yaml.v3"
)

// Load reads a scenario file. Files ending in .yaml or .yml are YAML, every
// other file is in the line format. A scenario without a name is named after
// its file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc *Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		sc, err = ParseYAML(data)
	default:
		sc, err = Parse(bytes.NewReader(data))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// Parse reads the line format:
//
//	name dirty-read
//	seed Alice=1000 Bob=500
//	option locking-reads=true
//	T1 begin read-uncommitted
//	T1 write Alice +100
//	T2 read Alice -> 1100
//	T1 rollback
//	expect dirty_read_observed key=Alice
//
// Lines are split like a shell would, and # starts a comment.
func Parse(r io.Reader) (*Scenario, error) {
	sc := &Scenario{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		if err := sc.parseLine(scanner.Text(), line); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sc, sc.validate()
}

func (sc *Scenario) parseLine(text string, line int) error {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "#") {
		return nil
	}
	fields, err := shlex.Split(text)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "name":
		if len(fields) != 2 {
			return errors.New("usage: name <name>")
		}
		sc.Name = fields[1]
	case "seed":
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok {
				return errors.Newf("seed %q: want key=value", f)
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "seed %q", f)
			}
			sc.Seeds = append(sc.Seeds, Seed{Key: k, Value: n})
		}
	case "option":
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok {
				k, v = f, "true"
			}
			sc.Options = append(sc.Options, Option{Name: k, Value: v})
		}
	case "expect":
		e, err := parseExpectation(fields[1:])
		if err != nil {
			return err
		}
		e.Line = line
		sc.Expectations = append(sc.Expectations, e)
	default:
		s, err := ParseStep(fields)
		if err != nil {
			return err
		}
		s.Line = line
		sc.Steps = append(sc.Steps, s)
	}
	return nil
}

func parseExpectation(fields []string) (Expectation, error) {
	if len(fields) == 0 {
		return Expectation{}, errors.New("usage: expect <predicate> [key=K] [session=S] [want=false]")
	}
	e := Expectation{Predicate: fields[0], Args: map[string]string{}}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return Expectation{}, errors.Newf("argument %q: want name=value", f)
		}
		switch k {
		case "key", "session":
		case "want":
			if _, err := strconv.ParseBool(v); err != nil {
				return Expectation{}, errors.Wrapf(err, "argument %q", f)
			}
		default:
			return Expectation{}, errors.Newf("unknown argument %q", k)
		}
		e.Args[k] = v
	}
	return e, nil
}

// ParseStep parses one step from its fields: a session name, an op, the op's
// arguments and an optional "-> outcome" suffix.
func ParseStep(fields []string) (Step, error) {
	var expect []string
	for i, f := range fields {
		if f == "->" {
			fields, expect = fields[:i], fields[i+1:]
			break
		}
	}
	if len(fields) < 2 {
		return Step{}, errors.New("usage: <session> <op> [args] [-> outcome]")
	}
	s := Step{Session: fields[0], Op: Op(strings.ToLower(fields[1]))}
	args := fields[2:]

	want := func(n int, usage string) error {
		if len(args) != n {
			return errors.Newf("usage: %s %s %s", s.Session, s.Op, usage)
		}
		return nil
	}
	switch s.Op {
	case OpBegin:
		if len(args) > 1 {
			return Step{}, errors.Newf("usage: %s begin [isolation-level]", s.Session)
		}
		if len(args) == 1 {
			lvl, err := isolation.ParseLevel(args[0])
			if err != nil {
				return Step{}, err
			}
			s.Level, s.HasLevel = lvl, true
		}
	case OpRead, OpDelete:
		if err := want(1, "<key>"); err != nil {
			return Step{}, err
		}
		s.Key = args[0]
	case OpWrite, OpSet:
		if err := want(2, "<key> <n>"); err != nil {
			return Step{}, err
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return Step{}, errors.Wrapf(err, "%s %s", s.Op, args[0])
		}
		s.Key, s.Arg = args[0], n
	case OpCommit, OpRollback, OpYield, OpGC:
		if err := want(0, ""); err != nil {
			return Step{}, err
		}
	default:
		return Step{}, errors.Newf("unknown op %q", fields[1])
	}

	if expect != nil {
		o, err := ParseOutcome(expect)
		if err != nil {
			return Step{}, err
		}
		s.Expect = &o
	}
	return s, nil
}

// ParseOutcome parses the text after "->": a number, ok, blocked, notfound or
// error <Kind>.
func ParseOutcome(fields []string) (Outcome, error) {
	if len(fields) == 0 {
		return Outcome{}, errors.New("missing outcome after ->")
	}
	switch strings.ToLower(fields[0]) {
	case "ok":
		return Outcome{Kind: ExpectOK}, nil
	case "blocked":
		return Outcome{Kind: ExpectBlocked}, nil
	case "notfound":
		return Outcome{Kind: ExpectError, Err: isolation.KindNotFound}, nil
	case "error":
		if len(fields) != 2 {
			return Outcome{}, errors.New("usage: -> error <Kind>")
		}
		k, err := isolation.ParseKind(fields[1])
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: ExpectError, Err: k}, nil
	}
	if len(fields) != 1 {
		return Outcome{}, errors.Newf("unexpected outcome %q", strings.Join(fields, " "))
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Outcome{}, errors.Newf("unknown outcome %q", fields[0])
	}
	return Outcome{Kind: ExpectValue, Value: n}, nil
}

// yamlScenario is the YAML form. Steps and expectations use the same syntax
// as a line of the line format.
type yamlScenario struct {
	Name    string            `yaml:"name"`
	Seed    map[string]int64  `yaml:"seed"`
	Options map[string]string `yaml:"options"`
	Steps   []string          `yaml:"steps"`
	Expect  []string          `yaml:"expect"`
}

// ParseYAML reads the YAML form:
//
//	name: lost-update
//	seed: {counter: 0}
//	steps:
//	  - T1 begin
//	  - T1 read counter -> 0
//	expect:
//	  - lost_update_prevented key=counter
//
// Seeds and options are applied in key order.
func ParseYAML(data []byte) (*Scenario, error) {
	var y yamlScenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&y); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "yaml")
	}

	sc := &Scenario{Name: y.Name}
	for _, k := range sortedNames(y.Seed) {
		sc.Seeds = append(sc.Seeds, Seed{Key: k, Value: y.Seed[k]})
	}
	for _, k := range sortedNames(y.Options) {
		sc.Options = append(sc.Options, Option{Name: k, Value: y.Options[k]})
	}
	for i, text := range y.Steps {
		fields, err := shlex.Split(text)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i+1)
		}
		s, err := ParseStep(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i+1)
		}
		sc.Steps = append(sc.Steps, s)
	}
	for i, text := range y.Expect {
		fields, err := shlex.Split(text)
		if err != nil {
			return nil, errors.Wrapf(err, "expect %d", i+1)
		}
		e, err := parseExpectation(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "expect %d", i+1)
		}
		sc.Expectations = append(sc.Expectations, e)
	}
	return sc, sc.validate()
}

func (sc *Scenario) validate() error {
	if len(sc.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	for _, s := range sc.Steps {
		switch s.Session {
		case "name", "seed", "option", "expect":
			return errors.Newf("%q cannot name a session", s.Session)
		}
	}
	return nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
