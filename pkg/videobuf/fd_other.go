//go:build !unix

package videobuf

func closeFd(fd int) error {
	return nil
}
