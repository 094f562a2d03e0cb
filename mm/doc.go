/*
	Package mm provides types, constants, and functions that have no other dependencies
	and can be used by all packages within mmstore.  This includes axes positions,
	pixel geometry, summary metadata, compression, logging, and command string handling.
*/
package mm
