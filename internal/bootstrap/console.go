package bootstrap

// Printer returns the console printer for this scope. log, info and debug
// write to stdout; warn and error write to stderr. Output after close is
// dropped.
func (s *Scope) Printer() *Printer {
	return &Printer{s: s}
}

// Printer adapts the console module's output to the scope's host.
type Printer struct {
	s *Scope
}

func (p *Printer) write(stream Stream, msg string) {
	if p.s.Halted() {
		return
	}
	p.s.cfg.Host.Write(stream, msg+"\n")
}

func (p *Printer) Log(msg string)   { p.write(Stdout, msg) }
func (p *Printer) Info(msg string)  { p.write(Stdout, msg) }
func (p *Printer) Debug(msg string) { p.write(Stdout, msg) }
func (p *Printer) Warn(msg string)  { p.write(Stderr, msg) }
func (p *Printer) Error(msg string) { p.write(Stderr, msg) }
