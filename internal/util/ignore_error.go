package util

type fnWithErrorResult func() error

// IgnoreError calls the passed fn and ignores the error it returns.  Example `defer util.IgnoreError(conn.Close)`
func IgnoreError(fn fnWithErrorResult) {
	_ = fn()
}
