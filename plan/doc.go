// Package plan loads submission plans from HCL files.
//
// A plan file declares execution contexts with their command buffers,
// local semaphores and fences, shared semaphores between two contexts, and
// the rounds of one pass:
//
//	context "a" {
//	  command_buffers = 2
//	  semaphores      = ["local"]
//	  fences          = ["done"]
//	}
//
//	shared "link" {
//	  exporter = "a"
//	  importer = "b"
//	}
//
//	round "consume" {
//	  submit "a" {
//	    command_buffer = 1
//	    wait "link" {
//	      stages = [stage.all_commands]
//	    }
//	    fence = "done"
//	  }
//	}
//
// Inside a submit block, semaphore names resolve against the submitting
// context: a local semaphore of that context, or the side of a shared
// semaphore that lives on it. Stage masks are written with the stage
// variables, one per pipeline stage name of package driver.
//
// Parse checks the file against itself. Build creates the declared
// resources on live contexts and returns a validated semshare.Plan.
package plan
