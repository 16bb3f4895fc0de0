package sigcomm

import "os"

type osIface interface {
	LookupEnv(key string) (string, bool)
	Getpid() int
	Exit(code int)
}

type realOS struct{}

func (realOS) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) Exit(code int) {
	os.Exit(code)
}
