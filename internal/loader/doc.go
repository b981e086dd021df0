// Package loader reads backbone weights stored as safetensors.
//
// A reader parses the header once and loads tensors on demand:
//
//	st, err := loader.OpenSafeTensors("data/vgg/variables/variables.safetensors")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//	state, err := st.LoadAll()
package loader
