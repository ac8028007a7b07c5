package main

// setFlags reports the named flags as given on the command line.
type setFlags map[string]bool

func (s setFlags) IsSet(name string) bool { return s[name] }
