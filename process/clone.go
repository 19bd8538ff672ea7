package process

import (
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/value"
)

// Clone returns a deep copy of the instance.
func (i Instance) Clone() Instance {
	c := i

	if i.DomainPayload != nil {
		c.DomainPayload = append([]byte(nil), i.DomainPayload...)
	}

	if i.Env != nil {
		c.Env = make(map[value.Sym]value.Value, len(i.Env))
		for k, v := range i.Env {
			c.Env[k] = v
		}
	}

	c.Symbols = append([]string(nil), i.Symbols...)

	if i.Fibers != nil {
		c.Fibers = make([]Fiber, len(i.Fibers))
		for n, f := range i.Fibers {
			f.Wait.JobKeys = append([]string(nil), f.Wait.JobKeys...)
			c.Fibers[n] = f
		}
	}

	if i.Joins != nil {
		c.Joins = make(map[compile.JoinID]int, len(i.Joins))
		for k, v := range i.Joins {
			c.Joins[k] = v
		}
	}

	if i.JoinExpected != nil {
		c.JoinExpected = make(map[compile.JoinID]int, len(i.JoinExpected))
		for k, v := range i.JoinExpected {
			c.JoinExpected[k] = v
		}
	}

	return c
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	c := j

	if j.DomainPayload != nil {
		c.DomainPayload = append([]byte(nil), j.DomainPayload...)
	}

	if j.OrchFlags != nil {
		c.OrchFlags = make(map[string]value.Lit, len(j.OrchFlags))
		for k, v := range j.OrchFlags {
			c.OrchFlags[k] = v
		}
	}

	return c
}
